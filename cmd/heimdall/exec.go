package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	execLanguage string
	execCwd      string
	execPackages []string
)

var execCmd = &cobra.Command{
	Use:   "exec [code or command]",
	Short: "Execute a single snippet against the workspace and exit",
	Long: `Runs one Python snippet or bash command through the full sandbox
pipeline (confinement, quota, sync, timeout) and prints the result.
Useful for smoke-testing a workspace without an MCP client.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execLanguage, "language", "l", "python", "Language: python or bash")
	execCmd.Flags().StringVar(&execCwd, "cwd", "", "Working directory for bash, relative to the workspace")
	execCmd.Flags().StringSliceVar(&execPackages, "package", nil, "Python packages to install before execution")
}

func runExec(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch execLanguage {
	case "python":
		res := rt.coord.ExecutePython(ctx, args[0], execPackages)
		fmt.Print(res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.Value != nil {
			fmt.Println(*res.Value)
		}
		if !res.Success {
			return fmt.Errorf("%s", res.Err)
		}
		return nil
	case "bash", "sh":
		res, err := rt.coord.ExecuteBash(ctx, args[0], execCwd)
		if err != nil {
			return err
		}
		fmt.Print(res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.ExitCode != 0 {
			return fmt.Errorf("exit code %d", res.ExitCode)
		}
		return nil
	default:
		return fmt.Errorf("unsupported language %q (python or bash)", execLanguage)
	}
}
