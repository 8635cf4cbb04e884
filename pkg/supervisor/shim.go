//go:build linux

package supervisor

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RunShim is the body of the hidden init command. It runs inside the child
// process after the kernel has placed it in its cgroup and (for non-host
// runtimes) fresh mount and pid namespaces: it reads its spec from fd 3,
// joins the target network namespace, pivots into the staged rootfs and
// execs the payload. On success it never returns.
//
// fd 4 is the exec barrier back to the parent: it is marked close-on-exec,
// so the parent sees a clean EOF once the payload is running; any failure
// before exec is written to it instead.
func RunShim() error {
	barrier := os.NewFile(4, "barrier")
	if barrier != nil {
		unix.CloseOnExec(4)
	}
	err := runShim()
	if err != nil && barrier != nil {
		fmt.Fprintf(barrier, "%v", err)
		barrier.Close()
	}
	return err
}

func runShim() error {
	specFile := os.NewFile(3, "spec")
	if specFile == nil {
		return fmt.Errorf("spec fd missing")
	}
	var spec shimSpec
	if err := json.NewDecoder(specFile).Decode(&spec); err != nil {
		return fmt.Errorf("failed to decode shim spec: %w", err)
	}
	specFile.Close()

	if spec.NetNSPath != "" {
		nsf, err := os.Open(spec.NetNSPath)
		if err != nil {
			return fmt.Errorf("failed to open netns: %w", err)
		}
		if err := unix.Setns(int(nsf.Fd()), unix.CLONE_NEWNET); err != nil {
			return fmt.Errorf("failed to join netns: %w", err)
		}
		nsf.Close()
	}

	if spec.RootDir != "" {
		// keep mounts from leaking back out of the sandbox
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("failed to make mounts private: %w", err)
		}
		if err := unix.Chroot(spec.RootDir); err != nil {
			return fmt.Errorf("failed to chroot: %w", err)
		}
	}
	if err := os.Chdir(spec.WorkDir); err != nil {
		return fmt.Errorf("failed to chdir: %w", err)
	}

	path, err := lookPath(spec.Argv[0], spec.Env)
	if err != nil {
		return err
	}
	return unix.Exec(path, spec.Argv, spec.Env)
}

// lookPath resolves the command against the spec's PATH rather than the
// shim's (empty) inherited environment.
func lookPath(name string, env []string) (string, error) {
	if len(name) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if name[0] == '/' || name[0] == '.' {
		return name, nil
	}
	var pathVar string
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			pathVar = kv[5:]
		}
	}
	start := 0
	for i := 0; i <= len(pathVar); i++ {
		if i == len(pathVar) || pathVar[i] == ':' {
			dir := pathVar[start:i]
			start = i + 1
			if dir == "" {
				continue
			}
			candidate := dir + "/" + name
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("command %s not found in PATH", name)
}
