// zctl is a thin command-line client for the zhyperd control API. It
// runs one-shot subcommands or, with -i, an interactive shell against
// the daemon.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/peterh/liner"
)

var (
	f_url         = flag.String("u", "http://localhost:3000", "Base URL of the zhyperd API")
	f_interactive = flag.Bool("i", false, "Run an interactive shell")
)

var verbs = []string{
	"machine ls",
	"machine show",
	"machine put",
	"machine rm",
	"machine start",
	"machine stop",
	"machine restart",
	"disk ls",
	"disk show",
	"disk put",
	"disk rm",
	"log",
	"help",
	"exit",
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(method, path string, form url.Values) (string, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return "", err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	return string(b), nil
}

// pretty re-indents a JSON response for terminal display; non-JSON is
// passed through.
func pretty(s string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return s
	}
	return buf.String()
}

// specArg resolves a spec argument: literal JSON, or @path to read a
// file.
func specArg(arg string) (string, error) {
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return arg, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: zctl [-u url] [-i] <command>")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, v := range verbs {
		fmt.Fprintln(os.Stderr, "  "+v)
	}
}

func run(c *client, args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}

	switch args[0] {
	case "log":
		out, err := c.do(http.MethodGet, "/api/v1/log", nil)
		if err != nil {
			return err
		}
		var lines []string
		if err := json.Unmarshal([]byte(out), &lines); err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil

	case "machine":
		return runMachine(c, args[1:])

	case "disk":
		return runDisk(c, args[1:])

	case "help":
		usage()
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runMachine(c *client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("machine: missing subcommand")
	}

	switch args[0] {
	case "ls":
		out, err := c.do(http.MethodGet, "/api/v1/machine?summary=true", nil)
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	case "show":
		if len(args) != 2 {
			return fmt.Errorf("machine show: want <id>")
		}
		out, err := c.do(http.MethodGet, "/api/v1/machine/"+args[1], nil)
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	case "put":
		if len(args) != 3 {
			return fmt.Errorf("machine put: want <id> <spec json | @file>")
		}
		spec, err := specArg(args[2])
		if err != nil {
			return err
		}
		out, err := c.do(http.MethodPut, "/api/v1/machine/"+args[1], url.Values{"machine_spec": {spec}})
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("machine rm: want <id>")
		}
		out, err := c.do(http.MethodDelete, "/api/v1/machine/"+args[1], nil)
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	case "start", "stop", "restart":
		if len(args) != 2 {
			return fmt.Errorf("machine %s: want <id>", args[0])
		}
		out, err := c.do(http.MethodGet, "/api/v1/machine/"+args[1]+"/"+args[0], nil)
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	default:
		return fmt.Errorf("machine: unknown subcommand %q", args[0])
	}
}

func runDisk(c *client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("disk: missing subcommand")
	}

	switch args[0] {
	case "ls":
		out, err := c.do(http.MethodGet, "/api/v1/disk", nil)
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	case "show":
		if len(args) != 2 {
			return fmt.Errorf("disk show: want <id>")
		}
		out, err := c.do(http.MethodGet, "/api/v1/disk/"+args[1], nil)
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	case "put":
		if len(args) != 3 {
			return fmt.Errorf("disk put: want <id> <spec json | @file>")
		}
		spec, err := specArg(args[2])
		if err != nil {
			return err
		}
		out, err := c.do(http.MethodPut, "/api/v1/disk/"+args[1], url.Values{"disk_spec": {spec}})
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("disk rm: want <id>")
		}
		out, err := c.do(http.MethodDelete, "/api/v1/disk/"+args[1], nil)
		if err != nil {
			return err
		}
		fmt.Println(pretty(out))
		return nil

	default:
		return fmt.Errorf("disk: unknown subcommand %q", args[0])
	}
}

// shell runs the interactive loop: history, ^C aborts the current line,
// ^d exits, tab completes known verbs.
func shell(c *client) {
	input := liner.NewLiner()
	defer input.Close()

	input.SetCtrlCAborts(true)
	input.SetTabCompletionStyle(liner.TabPrints)
	input.SetCompleter(func(line string) []string {
		var res []string
		for _, v := range verbs {
			if strings.HasPrefix(v, line) {
				res = append(res, v)
			}
		}
		return res
	})

	prompt := fmt.Sprintf("zhyperd:%v$ ", *f_url)

	for {
		line, err := input.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			fmt.Println()
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		input.AppendHistory(line)

		if line == "exit" || line == "quit" {
			return
		}

		if err := run(c, strings.Fields(line)); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func main() {
	flag.Parse()

	c := &client{base: strings.TrimSuffix(*f_url, "/"), http: &http.Client{}}

	if *f_interactive {
		shell(c)
		return
	}

	if err := run(c, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
