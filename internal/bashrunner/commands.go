package bashrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/interp"

	"github.com/manojlds/heimdall/internal/securefs"
)

// runCommand dispatches one non-builtin command to the confined
// implementations. The set mirrors what agents actually need to shuttle
// files between bash and Python; anything else is "command not found".
func (r *Runner) runCommand(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	name := args[0]
	rest := args[1:]

	fail := func(err error) error {
		fmt.Fprintf(hc.Stderr, "%s: %s\n", name, confinedMessage(err))
		return interp.NewExitStatus(1)
	}

	switch name {
	case "cat":
		return r.cmdCat(hc, rest, fail)
	case "ls":
		return r.cmdLs(hc, rest, fail)
	case "ln":
		return r.cmdLn(hc, rest, fail)
	case "mkdir":
		return r.cmdMkdir(hc, rest, fail)
	case "rm":
		return r.cmdRm(hc, rest, fail)
	case "cp":
		return r.cmdCp(hc, rest, fail)
	case "mv":
		return r.cmdMv(hc, rest, fail)
	case "touch":
		return r.cmdTouch(hc, rest, fail)
	case "head", "tail":
		return r.cmdHeadTail(hc, name, rest, fail)
	case "wc":
		return r.cmdWc(hc, rest, fail)
	case "chmod":
		return r.cmdChmod(hc, rest, fail)
	case "readlink":
		return r.cmdReadlink(hc, rest, fail)
	case "basename":
		if len(rest) == 0 {
			return fail(fmt.Errorf("missing operand"))
		}
		fmt.Fprintln(hc.Stdout, path.Base(rest[0]))
		return nil
	case "dirname":
		if len(rest) == 0 {
			return fail(fmt.Errorf("missing operand"))
		}
		fmt.Fprintln(hc.Stdout, path.Dir(rest[0]))
		return nil
	default:
		fmt.Fprintf(hc.Stderr, "%s: command not found\n", name)
		return interp.NewExitStatus(127)
	}
}

// argVirtual resolves a command argument against the interpreter's working
// directory and maps it to its confined virtual form.
func (r *Runner) argVirtual(hc interp.HandlerContext, arg string) (string, error) {
	p := arg
	if !filepath.IsAbs(p) {
		p = filepath.Join(hc.Dir, p)
	}
	return r.toVirtual(p)
}

// confinedMessage strips any host path fragments from error text before it
// reaches command output.
func confinedMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && strings.Contains(msg[:i], "/") {
		return msg[i+2:]
	}
	return msg
}

func (r *Runner) cmdCat(hc interp.HandlerContext, args []string, fail func(error) error) error {
	if len(args) == 0 {
		_, err := io.Copy(hc.Stdout, hc.Stdin)
		return err
	}
	for _, arg := range args {
		virt, err := r.argVirtual(hc, arg)
		if err != nil {
			return fail(err)
		}
		data, err := r.fs.ReadFile(virt)
		if err != nil {
			return fail(err)
		}
		if _, err := hc.Stdout.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) cmdLs(hc interp.HandlerContext, args []string, fail func(error) error) error {
	long := false
	var paths []string
	for _, arg := range args {
		if arg == "-l" || arg == "-la" || arg == "-al" {
			long = true
			continue
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		paths = append(paths, arg)
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		virt, err := r.argVirtual(hc, p)
		if err != nil {
			return fail(err)
		}
		info, err := r.fs.Stat(virt)
		if err != nil {
			return fail(err)
		}
		if !info.IsDir() {
			fmt.Fprintln(hc.Stdout, path.Base(virt))
			continue
		}
		entries, err := r.fs.ReadDir(virt)
		if err != nil {
			return fail(err)
		}
		for _, entry := range entries {
			if long {
				ei, err := entry.Info()
				if err != nil {
					continue
				}
				fmt.Fprintf(hc.Stdout, "%s %8d %s\n", ei.Mode(), ei.Size(), entry.Name())
			} else {
				fmt.Fprintln(hc.Stdout, entry.Name())
			}
		}
	}
	return nil
}

func (r *Runner) cmdLn(hc interp.HandlerContext, args []string, fail func(error) error) error {
	symbolic := false
	var operands []string
	for _, arg := range args {
		if arg == "-s" {
			symbolic = true
			continue
		}
		operands = append(operands, arg)
	}
	if len(operands) != 2 {
		return fail(fmt.Errorf("expected target and link name"))
	}
	target, linkName := operands[0], operands[1]
	linkVirt, err := r.argVirtual(hc, linkName)
	if err != nil {
		return fail(err)
	}
	if symbolic {
		// Creation is rejected when the target escapes, even though the
		// link itself would live inside the workspace.
		if err := r.fs.Symlink(target, linkVirt); err != nil {
			return fail(err)
		}
		return nil
	}
	targetVirt, err := r.argVirtual(hc, target)
	if err != nil {
		return fail(err)
	}
	if err := r.fs.Link(targetVirt, linkVirt); err != nil {
		return fail(err)
	}
	return nil
}

func (r *Runner) cmdMkdir(hc interp.HandlerContext, args []string, fail func(error) error) error {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue // -p is the only behavior on offer
		}
		virt, err := r.argVirtual(hc, arg)
		if err != nil {
			return fail(err)
		}
		if err := r.fs.Mkdir(virt); err != nil {
			return fail(err)
		}
	}
	return nil
}

func (r *Runner) cmdRm(hc interp.HandlerContext, args []string, fail func(error) error) error {
	force := false
	var paths []string
	for _, arg := range args {
		switch {
		case arg == "-f" || arg == "-rf" || arg == "-fr":
			force = true
		case strings.HasPrefix(arg, "-"):
		default:
			paths = append(paths, arg)
		}
	}
	for _, p := range paths {
		virt, err := r.argVirtual(hc, p)
		if err != nil {
			return fail(err)
		}
		if err := r.fs.Remove(virt); err != nil {
			if force && securefs.IsNotExist(err) {
				continue
			}
			return fail(err)
		}
	}
	return nil
}

func (r *Runner) cmdCp(hc interp.HandlerContext, args []string, fail func(error) error) error {
	var operands []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			operands = append(operands, arg)
		}
	}
	if len(operands) != 2 {
		return fail(fmt.Errorf("expected source and destination"))
	}
	src, err := r.argVirtual(hc, operands[0])
	if err != nil {
		return fail(err)
	}
	dst, err := r.argVirtual(hc, operands[1])
	if err != nil {
		return fail(err)
	}
	if info, statErr := r.fs.Stat(dst); statErr == nil && info.IsDir() {
		dst = dst + "/" + path.Base(src)
	}
	if err := r.fs.Copy(src, dst); err != nil {
		return fail(err)
	}
	return nil
}

func (r *Runner) cmdMv(hc interp.HandlerContext, args []string, fail func(error) error) error {
	if len(args) != 2 {
		return fail(fmt.Errorf("expected source and destination"))
	}
	src, err := r.argVirtual(hc, args[0])
	if err != nil {
		return fail(err)
	}
	dst, err := r.argVirtual(hc, args[1])
	if err != nil {
		return fail(err)
	}
	if info, statErr := r.fs.Stat(dst); statErr == nil && info.IsDir() {
		dst = dst + "/" + path.Base(src)
	}
	if err := r.fs.Rename(src, dst); err != nil {
		return fail(err)
	}
	return nil
}

func (r *Runner) cmdTouch(hc interp.HandlerContext, args []string, fail func(error) error) error {
	for _, arg := range args {
		virt, err := r.argVirtual(hc, arg)
		if err != nil {
			return fail(err)
		}
		if r.fs.Exists(virt) {
			continue
		}
		if err := r.fs.WriteFile(virt, nil, 0o640); err != nil {
			return fail(err)
		}
	}
	return nil
}

func (r *Runner) cmdHeadTail(hc interp.HandlerContext, name string, args []string, fail func(error) error) error {
	n := 10
	var paths []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-n" && i+1 < len(args) {
			parsed, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fail(fmt.Errorf("invalid line count %q", args[i+1]))
			}
			n = parsed
			i++
			continue
		}
		paths = append(paths, args[i])
	}
	for _, p := range paths {
		virt, err := r.argVirtual(hc, p)
		if err != nil {
			return fail(err)
		}
		data, err := r.fs.ReadFile(virt)
		if err != nil {
			return fail(err)
		}
		lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
		if name == "head" {
			if len(lines) > n {
				lines = lines[:n]
			}
		} else if len(lines) > n {
			lines = lines[len(lines)-n:]
		}
		for _, line := range lines {
			fmt.Fprintln(hc.Stdout, line)
		}
	}
	return nil
}

func (r *Runner) cmdWc(hc interp.HandlerContext, args []string, fail func(error) error) error {
	mode := ""
	var paths []string
	for _, arg := range args {
		switch arg {
		case "-l", "-w", "-c":
			mode = arg
		default:
			if !strings.HasPrefix(arg, "-") {
				paths = append(paths, arg)
			}
		}
	}
	count := func(data []byte) string {
		text := string(data)
		switch mode {
		case "-l":
			return strconv.Itoa(strings.Count(text, "\n"))
		case "-w":
			return strconv.Itoa(len(strings.Fields(text)))
		case "-c":
			return strconv.Itoa(len(data))
		default:
			return fmt.Sprintf("%d %d %d",
				strings.Count(text, "\n"), len(strings.Fields(text)), len(data))
		}
	}
	if len(paths) == 0 {
		data, err := io.ReadAll(hc.Stdin)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(hc.Stdout, count(data))
		return nil
	}
	for _, p := range paths {
		virt, err := r.argVirtual(hc, p)
		if err != nil {
			return fail(err)
		}
		data, err := r.fs.ReadFile(virt)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintf(hc.Stdout, "%s %s\n", count(data), p)
	}
	return nil
}

func (r *Runner) cmdChmod(hc interp.HandlerContext, args []string, fail func(error) error) error {
	if len(args) < 2 {
		return fail(fmt.Errorf("expected mode and path"))
	}
	mode, err := strconv.ParseUint(args[0], 8, 32)
	if err != nil {
		return fail(fmt.Errorf("invalid mode %q", args[0]))
	}
	for _, arg := range args[1:] {
		virt, err := r.argVirtual(hc, arg)
		if err != nil {
			return fail(err)
		}
		if err := r.fs.Chmod(virt, os.FileMode(mode)); err != nil {
			return fail(err)
		}
	}
	return nil
}

func (r *Runner) cmdReadlink(hc interp.HandlerContext, args []string, fail func(error) error) error {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		virt, err := r.argVirtual(hc, arg)
		if err != nil {
			return fail(err)
		}
		target, err := r.fs.Readlink(virt)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(hc.Stdout, target)
	}
	return nil
}
