package server

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/vmountio/vmount/pkg/idmap"
)

// root serves one host directory to the sshfs slave. Every request path must
// fall inside it; file ownership is translated by the mapping tables on the
// way out and reverse-translated on the way back in.
type root struct {
	dir    string
	uidMap idmap.Table
	gidMap idmap.Table
	uid    int // instance default uid
	gid    int // instance default gid
}

func newRoot(dir string, uidMap, gidMap idmap.Table, ids remoteIDs) *root {
	return &root{dir: filepath.Clean(dir), uidMap: uidMap, gidMap: gidMap, uid: ids.uid, gid: ids.gid}
}

func (r *root) handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: r, FilePut: r, FileCmd: r, FileList: r}
}

// resolve validates that a request path stays inside the served directory.
// The check is lexical; symlinks are transformed on the slave side, so reads
// through them arrive here as new, fully resolved paths.
func (r *root) resolve(requestPath string) (string, error) {
	p := filepath.Clean(requestPath)
	if p != r.dir && !strings.HasPrefix(p, r.dir+string(filepath.Separator)) {
		return "", errors.Errorf("path %q is outside the mount source", requestPath)
	}
	return p, nil
}

func (r *root) Fileread(req *sftp.Request) (io.ReaderAt, error) {
	p, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (r *root) Filewrite(req *sftp.Request) (io.WriterAt, error) {
	p, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, openFlags(req.Pflags()), 0o644)
}

// OpenFile lets one handle serve both reads and writes, which the slave
// needs for files it opens O_RDWR.
func (r *root) OpenFile(req *sftp.Request) (sftp.WriterAtReaderAt, error) {
	p, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, openFlags(req.Pflags()), 0o644)
}

func (r *root) Filecmd(req *sftp.Request) error {
	switch req.Method {
	case "Setstat":
		p, err := r.resolve(req.Filepath)
		if err != nil {
			return err
		}
		return r.setstat(p, req)
	case "Rename":
		p, err := r.resolve(req.Filepath)
		if err != nil {
			return err
		}
		t, err := r.resolve(req.Target)
		if err != nil {
			return err
		}
		return os.Rename(p, t)
	case "Rmdir", "Remove":
		p, err := r.resolve(req.Filepath)
		if err != nil {
			return err
		}
		return os.Remove(p)
	case "Mkdir":
		p, err := r.resolve(req.Filepath)
		if err != nil {
			return err
		}
		mode := os.FileMode(0o755)
		if req.AttrFlags().Permissions {
			mode = os.FileMode(req.Attributes().Mode) & os.ModePerm
		}
		return os.Mkdir(p, mode)
	case "Link":
		p, err := r.resolve(req.Filepath)
		if err != nil {
			return err
		}
		t, err := r.resolve(req.Target)
		if err != nil {
			return err
		}
		return os.Link(p, t)
	case "Symlink":
		// The link text travels in Filepath and the link location in
		// Target. The text is stored as given; reads through it come back
		// as new, checked requests.
		t, err := r.resolve(req.Target)
		if err != nil {
			return err
		}
		return os.Symlink(req.Filepath, t)
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (r *root) setstat(p string, req *sftp.Request) error {
	flags := req.AttrFlags()
	attrs := req.Attributes()
	if flags.Size {
		if err := os.Truncate(p, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if flags.UidGid {
		uid := r.uidMap.Reverse(int(attrs.UID), r.uid)
		gid := r.gidMap.Reverse(int(attrs.GID), r.gid)
		if err := os.Chown(p, uid, gid); err != nil {
			return err
		}
	}
	if flags.Permissions {
		if err := os.Chmod(p, os.FileMode(attrs.Mode)&os.ModePerm); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		atime := time.Unix(int64(attrs.Atime), 0)
		mtime := time.Unix(int64(attrs.Mtime), 0)
		if err := os.Chtimes(p, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (r *root) Filelist(req *sftp.Request) (sftp.ListerAt, error) {
	p, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case "List":
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			fi, err := e.Info()
			if err != nil {
				// went away between the listing and the stat
				continue
			}
			infos = append(infos, r.mapOwner(fi))
		}
		return listerat(infos), nil
	case "Stat":
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		return listerat{r.mapOwner(fi)}, nil
	case "Lstat":
		fi, err := os.Lstat(p)
		if err != nil {
			return nil, err
		}
		return listerat{r.mapOwner(fi)}, nil
	case "Readlink":
		t, err := os.Readlink(p)
		if err != nil {
			return nil, err
		}
		return listerat{linkTarget(t)}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// mapOwner returns fi with its uid/gid translated to instance ids. Files
// whose platform stat is unavailable are reported as they are.
func (r *root) mapOwner(fi os.FileInfo) os.FileInfo {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fi
	}
	mapped := *st
	mapped.Uid = uint32(r.uidMap.Apply(int(st.Uid), r.uid))
	mapped.Gid = uint32(r.gidMap.Apply(int(st.Gid), r.gid))
	return &ownerInfo{FileInfo: fi, stat: mapped}
}

// ownerInfo is an os.FileInfo whose Sys carries translated ownership.
type ownerInfo struct {
	os.FileInfo
	stat syscall.Stat_t
}

func (i *ownerInfo) Sys() any {
	return &i.stat
}

func openFlags(f sftp.FileOpenFlags) int {
	var flags int
	switch {
	case f.Read && f.Write:
		flags = os.O_RDWR
	case f.Write:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if f.Append {
		flags |= os.O_APPEND
	}
	if f.Creat {
		flags |= os.O_CREATE
	}
	if f.Trunc {
		flags |= os.O_TRUNC
	}
	if f.Excl {
		flags |= os.O_EXCL
	}
	return flags
}

// listerat serves a fixed set of file infos to the windowed reads the SFTP
// protocol performs.
type listerat []os.FileInfo

func (l listerat) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// linkTarget is the pseudo file info a Readlink response travels in; only
// its name is consumed.
type linkTarget string

func (l linkTarget) Name() string       { return string(l) }
func (l linkTarget) Size() int64        { return 0 }
func (l linkTarget) Mode() os.FileMode  { return 0 }
func (l linkTarget) ModTime() time.Time { return time.Time{} }
func (l linkTarget) IsDir() bool        { return false }
func (l linkTarget) Sys() any           { return nil }
