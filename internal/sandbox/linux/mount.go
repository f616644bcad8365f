//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

func bindMount(src, dst string, recursive bool) error {
	flags := unix.MS_BIND
	if recursive {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(src, dst, "", uintptr(flags), ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	return nil
}

// remountReadOnly re-applies dst's bind mount with MS_REMOUNT|MS_RDONLY
// so the read-only semantics spec.md §4.2 step 5 requires actually
// stick — a plain bind mount inherits write permission from the
// source unless remounted.
func remountReadOnly(dst string) error {
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
	if err := unix.Mount("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("remount ro %s: %w", dst, err)
	}
	return nil
}

func makePrivate(mountPoint string) error {
	if err := unix.Mount("", mountPoint, "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make private %s: %w", mountPoint, err)
	}
	return nil
}

func pivotRoot(newRoot, putOld string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir %s: %w", newRoot, err)
	}
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	return nil
}

func umountDetach(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}

// bindReadOnlyPath bind-mounts hostPath at the same path under mnt, as
// spec.md §4.2 step 3 requires for the read-only mount list (shared
// libraries, the ArtifactStore directory). hostPath may name a file or
// a directory.
func bindReadOnlyPath(mnt, hostPath string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", hostPath, err)
	}

	dst := filepath.Join(mnt, hostPath)
	if info.IsDir() {
		if err := mkdirAll(dst); err != nil {
			return err
		}
	} else {
		if err := mkdirAll(filepath.Dir(dst)); err != nil {
			return err
		}
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			if err := os.WriteFile(dst, nil, 0o644); err != nil {
				return fmt.Errorf("create placeholder %s: %w", dst, err)
			}
		}
	}

	if err := bindMount(hostPath, dst, true); err != nil {
		return err
	}
	return remountReadOnly(dst)
}

// bindWorkerBinary bind-mounts the artifact path into the new root at
// a fixed in-sandbox location and marks it read-only+executable.
func bindWorkerBinary(mnt, hostBinaryPath string) (string, error) {
	dst := filepath.Join(mnt, "worker")
	if err := os.WriteFile(dst, nil, 0o500); err != nil {
		return "", fmt.Errorf("create placeholder %s: %w", dst, err)
	}
	if err := bindMount(hostBinaryPath, dst, false); err != nil {
		return "", err
	}
	if err := remountReadOnly(dst); err != nil {
		return "", err
	}
	return dst, nil
}
