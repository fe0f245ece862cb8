package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"

	"github.com/absfs/vaultfs"
	"go.uber.org/zap"
)

const (
	envPassphrase    = "VAULTFS_PASSPHRASE"
	envNewPassphrase = "VAULTFS_NEW_PASSPHRASE"
)

// env is what a command runs against.
type env struct {
	storePath string
	cfg       *vaultfs.Config
	logger    *zap.Logger
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
}

// withStore opens the store, runs fn and closes the store again.
func (e *env) withStore(fn func(s *vaultfs.Store) error) (err error) {
	pass, err := e.passphrase(envPassphrase, "Passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(pass)
	return e.withUnlocked(pass, fn)
}

// withUnlocked is withStore for a passphrase the caller already holds.
func (e *env) withUnlocked(pass []byte, fn func(s *vaultfs.Store) error) (err error) {
	s, err := vaultfs.Open(e.storePath, pass, e.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// splitPath cleans p and splits it into the parent directory and the final
// name. The root has no name.
func splitPath(p string) (dir, name string, err error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return "", "", &usageError{msg: "path names the root directory"}
	}
	return path.Dir(p), path.Base(p), nil
}

// resolveParent returns the inode of the directory containing p and the
// final name of p.
func resolveParent(s *vaultfs.Store, p string) (vaultfs.InodeID, string, error) {
	dir, name, err := splitPath(p)
	if err != nil {
		return 0, "", err
	}
	parent, err := s.Resolve(dir)
	if err != nil {
		return 0, "", err
	}
	return parent, name, nil
}

// fileReader reads a store file sequentially.
type fileReader struct {
	s   *vaultfs.Store
	ino vaultfs.InodeID
	h   vaultfs.HandleID
	off int64
}

func (r *fileReader) Read(p []byte) (int, error) {
	n, err := r.s.Read(r.ino, r.h, p, r.off)
	r.off += int64(n)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// fileWriter appends to a store file from a starting offset.
type fileWriter struct {
	s   *vaultfs.Store
	ino vaultfs.InodeID
	h   vaultfs.HandleID
	off int64
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.s.Write(w.ino, w.h, p, w.off)
	w.off += int64(n)
	return n, err
}

func init() {
	register(&command{name: "init", summary: "create a new store", run: runInit})
	register(&command{name: "passwd", summary: "change the store passphrase", run: runPasswd})
	register(&command{name: "recovery", summary: "print the recovery phrase", run: runRecovery})
	register(&command{name: "reset", summary: "set a new passphrase using the recovery phrase (read from stdin)", run: runReset})
	register(&command{name: "ls", args: "[path]", summary: "list a directory", nargs: [2]int{0, 1}, run: runList})
	register(&command{name: "mkdir", args: "<path>", summary: "create a directory", nargs: [2]int{1, 1}, run: runMkdir})
	register(&command{name: "put", args: "<local> <path>", summary: "copy a local file into the store", nargs: [2]int{2, 2}, run: runPut})
	register(&command{name: "cat", args: "<path>", summary: "write a file to stdout", nargs: [2]int{1, 1}, run: runCat})
	register(&command{name: "rm", args: "<path>", summary: "remove a file", nargs: [2]int{1, 1}, run: runRemove})
	register(&command{name: "rmdir", args: "<path>", summary: "remove an empty directory", nargs: [2]int{1, 1}, run: runRmdir})
	register(&command{name: "mv", args: "<from> <to>", summary: "rename a file or directory", nargs: [2]int{2, 2}, run: runMove})
	register(&command{name: "verify", summary: "check the integrity of every file", run: runVerify})
}

func runInit(e *env, _ []string) error {
	exists, err := vaultfs.NewKeyManager(vaultfs.NewDirBackend(e.storePath), e.logger).Exists()
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("store %s: %w", e.storePath, vaultfs.ErrAlreadyExists)
	}

	pass, err := e.newPassphrase(envPassphrase, "New passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(pass)

	s, err := vaultfs.Open(e.storePath, pass, e.cfg)
	if err != nil {
		return err
	}
	phrase, err := s.RecoveryPhrase(pass)
	if err != nil {
		s.Close()
		return err
	}
	fmt.Fprintf(e.stdout, "Created store %s in %s\n\n", s.ID(), e.storePath)
	fmt.Fprintf(e.stdout, "Recovery phrase (keep it somewhere safe):\n\n%s\n", phrase)
	return s.Close()
}

func runPasswd(e *env, _ []string) error {
	oldPass, err := e.passphrase(envPassphrase, "Current passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(oldPass)
	newPass, err := e.newPassphrase(envNewPassphrase, "New passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(newPass)

	if err := vaultfs.ChangePassword(e.storePath, oldPass, newPass); err != nil {
		return err
	}
	e.logger.Info("passphrase changed", zap.String("store", e.storePath))
	return nil
}

func runRecovery(e *env, _ []string) error {
	pass, err := e.passphrase(envPassphrase, "Passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(pass)

	return e.withUnlocked(pass, func(s *vaultfs.Store) error {
		phrase, err := s.RecoveryPhrase(pass)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, phrase)
		return nil
	})
}

func runReset(e *env, _ []string) error {
	phrase, err := readLine(e.stdin)
	if err != nil {
		return fmt.Errorf("reading recovery phrase: %w", err)
	}
	newPass, err := e.newPassphrase(envNewPassphrase, "New passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(newPass)

	return vaultfs.ResetPassword(e.storePath, phrase, newPass)
}

func runList(e *env, args []string) error {
	target := "/"
	if len(args) == 1 {
		target = args[0]
	}
	return e.withStore(func(s *vaultfs.Store) error {
		ino, err := s.Resolve(target)
		if err != nil {
			return err
		}
		meta, err := s.Stat(ino)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		defer tw.Flush()

		if meta.Kind == vaultfs.KindFile {
			printEntry(tw, path.Base(path.Clean("/"+target)), meta)
			return nil
		}
		it, err := s.OpenDir(ino)
		if err != nil {
			return err
		}
		for de, ok := it.Next(); ok; de, ok = it.Next() {
			child, err := s.Stat(de.Inode)
			if err != nil {
				return err
			}
			printEntry(tw, de.Name, child)
		}
		return nil
	})
}

func printEntry(w io.Writer, name string, meta vaultfs.Inode) {
	kind := "-"
	if meta.Kind == vaultfs.KindDirectory {
		kind = "d"
		name += "/"
	}
	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t\n", kind, meta.ID, meta.Size, meta.Mtime.Format("2006-01-02 15:04"), name)
}

func runMkdir(e *env, args []string) error {
	return e.withStore(func(s *vaultfs.Store) error {
		parent, name, err := resolveParent(s, args[0])
		if err != nil {
			return err
		}
		_, err = s.Mkdir(parent, name)
		return err
	})
}

func runPut(e *env, args []string) error {
	src, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	return e.withStore(func(s *vaultfs.Store) error {
		parent, name, err := resolveParent(s, args[1])
		if err != nil {
			return err
		}

		var ino vaultfs.InodeID
		var h vaultfs.HandleID
		existing, err := s.Lookup(parent, name)
		switch {
		case err == nil:
			if existing.Kind != vaultfs.KindFile {
				return fmt.Errorf("%s: %w", args[1], vaultfs.ErrNotAFile)
			}
			ino = existing.Inode
			if h, err = s.Open(ino, vaultfs.ModeWrite); err != nil {
				return err
			}
			if err := s.Truncate(ino, 0); err != nil {
				s.CloseHandle(h)
				return err
			}
		case errors.Is(err, vaultfs.ErrNotFound):
			if ino, h, err = s.CreateFile(parent, name); err != nil {
				return err
			}
		default:
			return err
		}

		buf := make([]byte, 16*s.ChunkSize())
		n, err := io.CopyBuffer(&fileWriter{s: s, ino: ino, h: h}, src, buf)
		if cerr := s.CloseHandle(h); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		e.logger.Debug("stored file", zap.String("path", args[1]), zap.Int64("bytes", n))
		return nil
	})
}

func runCat(e *env, args []string) error {
	return e.withStore(func(s *vaultfs.Store) error {
		ino, err := s.Resolve(args[0])
		if err != nil {
			return err
		}
		h, err := s.Open(ino, vaultfs.ModeRead)
		if err != nil {
			return err
		}
		defer s.CloseHandle(h)

		buf := make([]byte, 16*s.ChunkSize())
		_, err = io.CopyBuffer(e.stdout, &fileReader{s: s, ino: ino, h: h}, buf)
		return err
	})
}

func runRemove(e *env, args []string) error {
	return e.withStore(func(s *vaultfs.Store) error {
		parent, name, err := resolveParent(s, args[0])
		if err != nil {
			return err
		}
		return s.Unlink(parent, name)
	})
}

func runRmdir(e *env, args []string) error {
	return e.withStore(func(s *vaultfs.Store) error {
		parent, name, err := resolveParent(s, args[0])
		if err != nil {
			return err
		}
		return s.Rmdir(parent, name)
	})
}

func runMove(e *env, args []string) error {
	return e.withStore(func(s *vaultfs.Store) error {
		oldParent, oldName, err := resolveParent(s, args[0])
		if err != nil {
			return err
		}
		newParent, newName, err := resolveParent(s, args[1])
		if err != nil {
			return err
		}
		return s.Rename(oldParent, oldName, newParent, newName)
	})
}

func runVerify(e *env, _ []string) error {
	return e.withStore(func(s *vaultfs.Store) error {
		failed, err := s.Verify()
		for _, ino := range failed {
			fmt.Fprintf(e.stdout, "FAILED inode %d\n", ino)
		}
		if err == nil {
			fmt.Fprintln(e.stdout, "OK")
		}
		return err
	})
}
