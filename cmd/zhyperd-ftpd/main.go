// zhyperd-ftpd serves a datastore's disks/ directory over FTP so
// operators can stage ISOs (and bulk-export disk images) before a disk
// spec references them. It is optional; the daemon neither starts nor
// depends on it.
package main

import (
	"flag"
	"net"
	"os"
	"path/filepath"

	"github.com/goftp/server"

	"github.com/dpedu/zhyperd/internal/zlog"
)

var (
	f_root = flag.String("root", "/var/lib/zhyperd", "Datastore root directory")
	f_port = flag.Int("port", 2121, "FTP listen port")
	f_user = flag.String("user", "z", "FTP username")
	f_pass = flag.String("pass", "z", "FTP password")
)

type ftpAuth struct {
	user, pass string
}

func (a ftpAuth) CheckPasswd(user, pass string) (bool, error) {
	return user == a.user && pass == a.pass, nil
}

func main() {
	flag.Parse()

	// Refuse to serve a directory that isn't actually a datastore.
	if _, err := os.Stat(filepath.Join(*f_root, ".datastore.json")); err != nil {
		zlog.Fatal("%s is not an initialized datastore: %v", *f_root, err)
	}

	disks := filepath.Join(*f_root, "disks")
	if _, err := os.Stat(disks); err != nil {
		zlog.Fatal("datastore has no disks directory: %v", err)
	}

	perm := server.NewSimplePerm(*f_user, *f_user)
	var factory server.DriverFactory = &diskDriverFactory{disks, perm}

	// Get our ip address for PASV connections.
	var ipv4 net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		zlog.Errorln(err)
	}
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			zlog.Errorln(err)
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && !ipnet.IP.IsLoopback() {
				if ip := ipnet.IP.To4(); ip != nil {
					ipv4 = ip
				}
			}
		}
	}

	if ipv4 == nil {
		zlog.Fatal("unable to determine local IP for PASV connection")
	}

	opt := &server.ServerOpts{
		Factory:  factory,
		Auth:     ftpAuth{*f_user, *f_pass},
		Name:     "zhyperd-ftpd",
		PublicIp: ipv4.String(),
		Port:     *f_port,
	}

	zlog.Info("serving %s on port %d", disks, *f_port)

	ftpServer := server.NewServer(opt)
	if err := ftpServer.ListenAndServe(); err != nil {
		zlog.Fatal("ftp server: %v", err)
	}
}
