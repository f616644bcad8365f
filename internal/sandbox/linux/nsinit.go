//go:build linux

package linux

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/byobd/byobd/protocol"
)

// dropCapabilities strips the bounding-set capabilities a UDF worker
// never needs, leaving just enough to exec an unprivileged binary.
// This is the fixed default resolved in place of spec.md's open
// question on the exact capability set.
func dropCapabilities() error {
	caps := []uintptr{
		unix.CAP_SYS_ADMIN,
		unix.CAP_SYS_PTRACE,
		unix.CAP_NET_RAW,
		unix.CAP_NET_ADMIN,
		unix.CAP_SYS_MODULE,
		unix.CAP_SYS_BOOT,
		unix.CAP_SYS_TIME,
		unix.CAP_SYS_CHROOT,
		unix.CAP_MKNOD,
		unix.CAP_SETUID,
		unix.CAP_SETGID,
		unix.CAP_SETPCAP,
		unix.CAP_DAC_OVERRIDE,
		unix.CAP_DAC_READ_SEARCH,
		unix.CAP_FOWNER,
		unix.CAP_FSETID,
		unix.CAP_KILL,
		unix.CAP_IPC_LOCK,
		unix.CAP_IPC_OWNER,
		unix.CAP_SYS_PACCT,
		unix.CAP_SYS_RAWIO,
		unix.CAP_SYSLOG,
		unix.CAP_LINUX_IMMUTABLE,
		unix.CAP_NET_BROADCAST,
		unix.CAP_NET_BIND_SERVICE,
	}
	for _, c := range caps {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, c, 0, 0, 0); err != nil && err != unix.EINVAL {
			return fmt.Errorf("capbset drop %d: %w", c, err)
		}
	}
	return nil
}

// isNsinit reports whether this process was re-exec'd to run the
// namespace-setup path instead of normal daemon startup.
func isNsinit() bool {
	return os.Getenv(protocol.NsinitEnvFlag) == "1"
}

// RunNsinit is called from cmd/byobd's main before any other startup
// work, so a self-reexec never runs daemon code in the wrong
// namespace. It returns (ran, err): ran is false when this process is
// not a reexec target and the caller should proceed to normal
// startup.
func RunNsinit() (ran bool, err error) {
	if !isNsinit() {
		return false, nil
	}
	cfgJSON := os.Getenv(protocol.NsinitEnvConfig)
	if cfgJSON == "" {
		return true, fmt.Errorf("nsinit: missing %s", protocol.NsinitEnvConfig)
	}
	var cfg protocol.NsinitConfig
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return true, fmt.Errorf("nsinit: parse config: %w", err)
	}
	return true, nsinitMain(cfg)
}

// nsinitMain runs as PID 1 of the freshly cloned namespaces. It owns
// spec.md §4.2 steps 1 and 4 through 8: it switches root into the
// prepared pivot_root_dir, drops capabilities, and execs the UDF
// binary with its control socket fd passed as argv[1].
func nsinitMain(cfg protocol.NsinitConfig) error {
	if err := makePrivate("/"); err != nil {
		return err
	}

	oldRoot := filepath.Join(cfg.PivotRootDir, ".oldroot")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("nsinit: mkdir oldroot: %w", err)
	}
	if err := pivotRoot(cfg.PivotRootDir, oldRoot); err != nil {
		return err
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("nsinit: chdir /: %w", err)
	}
	_ = umountDetach("/.oldroot")
	_ = os.RemoveAll("/.oldroot")

	if cfg.NoNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("nsinit: prctl NO_NEW_PRIVS: %w", err)
		}
	}
	if cfg.DropCaps {
		if err := dropCapabilities(); err != nil {
			return err
		}
	}

	if cfg.GID > 0 {
		if err := unix.Setgroups([]int{cfg.GID}); err != nil {
			return fmt.Errorf("nsinit: setgroups: %w", err)
		}
		if err := unix.Setgid(cfg.GID); err != nil {
			return fmt.Errorf("nsinit: setgid: %w", err)
		}
	}
	if cfg.UID > 0 {
		if err := unix.Setuid(cfg.UID); err != nil {
			return fmt.Errorf("nsinit: setuid: %w", err)
		}
	}

	conn, err := net.Dial("unix", controlSocketInSandbox)
	if err != nil {
		return fmt.Errorf("nsinit: dial control socket: %w", err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("nsinit: unexpected conn type %T", conn)
	}
	sockFile, err := unixConn.File()
	if err != nil {
		return fmt.Errorf("nsinit: extract socket fd: %w", err)
	}
	// File() dup's the fd and leaves it blocking, which is what the
	// UDF binary expects to inherit across exec.
	fd := sockFile.Fd()
	unix.CloseOnExec(int(fd))
	if err := unix.SetNonblock(int(fd), false); err != nil {
		return fmt.Errorf("nsinit: clear O_NONBLOCK: %w", err)
	}
	// Undo CloseOnExec: argv[1] handoff requires the fd to survive exec.
	if _, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_SETFD, 0); errno != 0 {
		return fmt.Errorf("nsinit: clear FD_CLOEXEC: %w", errno)
	}

	if _, err := conn.Write([]byte(cfg.CodeToken)); err != nil {
		return fmt.Errorf("nsinit: write handshake: %w", err)
	}

	argv := []string{cfg.BinaryPath, fmt.Sprintf("%d", fd)}
	env := []string{"PATH=/usr/bin:/bin"}
	return unix.Exec(cfg.BinaryPath, argv, env)
}

// controlSocketInSandbox is the fixed path the ControlPlane socket is
// bind-mounted to inside every pivot_root_dir, so the worker can dial
// it after pivot_root has already switched the process's view of the
// filesystem.
const controlSocketInSandbox = "/run/control.sock"

// launchNsinit re-execs the current binary with the nsinit env flag
// set, placing the child in fresh mount/PID/UTS/IPC namespaces.
func launchNsinit(cfg protocol.NsinitConfig) (*exec.Cmd, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal nsinit config: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=1", protocol.NsinitEnvFlag),
		fmt.Sprintf("%s=%s", protocol.NsinitEnvConfig, string(cfgJSON)),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWIPC,
		Setsid: true,
	}
	cmd.Stdin = nil
	return cmd, nil
}
