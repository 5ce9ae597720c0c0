package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goftp/server"
)

// diskDriver serves one datastore's disks/ directory: read access to
// every staged disk, write access only to names that don't exist yet.
// Directory mutation is refused outright; the layout belongs to zhyperd.
type diskDriver struct {
	RootPath string
	server.Perm
}

type fileInfo struct {
	os.FileInfo

	mode  os.FileMode
	owner string
	group string
}

func (f *fileInfo) Mode() os.FileMode {
	return f.mode
}

func (f *fileInfo) Owner() string {
	return f.owner
}

func (f *fileInfo) Group() string {
	return f.group
}

func (driver *diskDriver) realPath(path string) string {
	paths := strings.Split(path, "/")
	return filepath.Join(append([]string{driver.RootPath}, paths...)...)
}

func (driver *diskDriver) Init(conn *server.Conn) {
}

func (driver *diskDriver) ChangeDir(path string) error {
	fi, err := os.Stat(driver.realPath(path))
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}
	return nil
}

func (driver *diskDriver) Stat(path string) (server.FileInfo, error) {
	rPath, err := filepath.Abs(driver.realPath(path))
	if err != nil {
		return nil, err
	}
	f, err := os.Lstat(rPath)
	if err != nil {
		return nil, err
	}
	mode, err := driver.Perm.GetMode(path)
	if err != nil {
		return nil, err
	}
	if f.IsDir() {
		mode |= os.ModeDir
	}
	owner, err := driver.Perm.GetOwner(path)
	if err != nil {
		return nil, err
	}
	group, err := driver.Perm.GetGroup(path)
	if err != nil {
		return nil, err
	}
	return &fileInfo{f, mode, owner, group}, nil
}

func (driver *diskDriver) ListDir(path string, callback func(server.FileInfo) error) error {
	rPath := driver.realPath(path)
	entries, err := os.ReadDir(rPath)
	if err != nil {
		return err
	}

	for _, e := range entries {
		// Manifests are daemon-internal; only the raw disk bytes are
		// interesting over FTP.
		if strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := driver.Stat(path + "/" + e.Name())
		if err != nil {
			continue
		}
		if err := callback(info); err != nil {
			return err
		}
	}

	return nil
}

func (driver *diskDriver) DeleteDir(path string) error {
	return fmt.Errorf("directory removal not permitted")
}

func (driver *diskDriver) DeleteFile(path string) error {
	return fmt.Errorf("file removal not permitted, remove the disk through the api")
}

func (driver *diskDriver) Rename(fromPath string, toPath string) error {
	return fmt.Errorf("rename not permitted")
}

func (driver *diskDriver) MakeDir(path string) error {
	return fmt.Errorf("directory creation not permitted")
}

func (driver *diskDriver) GetFile(path string, offset int64) (int64, io.ReadCloser, error) {
	rPath := driver.realPath(path)
	f, err := os.Open(rPath)
	if err != nil {
		return 0, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, nil, err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return 0, nil, err
	}

	return info.Size(), f, nil
}

// PutFile stages a new disk image. Overwriting an existing file is
// refused so an upload can never corrupt a disk a machine references.
func (driver *diskDriver) PutFile(destPath string, data io.Reader, appendData bool) (int64, error) {
	if appendData {
		return 0, fmt.Errorf("append not permitted")
	}

	rPath := driver.realPath(destPath)
	if _, err := os.Stat(rPath); err == nil {
		return 0, fmt.Errorf("file already exists: %s", destPath)
	}

	f, err := os.OpenFile(rPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, data)
	if err != nil {
		os.Remove(rPath)
		return 0, err
	}

	return n, nil
}

type diskDriverFactory struct {
	RootPath string
	server.Perm
}

func (factory *diskDriverFactory) NewDriver() (server.Driver, error) {
	return &diskDriver{factory.RootPath, factory.Perm}, nil
}
