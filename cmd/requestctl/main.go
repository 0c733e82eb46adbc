// Command requestctl is the client CLI for requestd's command socket: it
// issues Construct/Start/Pause/Resume/Stop/Remove/Show/Touch/Search/
// QueryMimeType/DumpAll/DumpOne over the clientproto wire protocol and
// prints the i32 error code and result.
//
// Grounded on the teacher's internal/cli/root.go (persistent global flags,
// one subcommand per operation, Version/FIPSStatus-style banner dropped
// since it is Rescale-specific).
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/clientproto"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/config"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/version"
)

var socketPath string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "requestctl",
		Short:   "Command-line client for the requestd download/upload service",
		Version: version.Version,
	}

	root.PersistentFlags().StringVar(&socketPath, "socket", "", "requestd command socket path (defaults to the configured one + .cmd)")

	root.AddCommand(
		newConstructCmd(),
		newTaskCmd("start", clientproto.CmdStart),
		newTaskCmd("pause", clientproto.CmdPause),
		newTaskCmd("resume", clientproto.CmdResume),
		newTaskCmd("stop", clientproto.CmdStop),
		newTaskCmd("remove", clientproto.CmdRemove),
		newTaskCmd("show", clientproto.CmdShow),
		newTaskCmd("touch", clientproto.CmdTouch),
		newTaskCmd("mimetype", clientproto.CmdQueryMimeType),
		newTaskCmd("dump-one", clientproto.CmdDumpOne),
		newSearchCmd(),
		newDumpAllCmd(),
	)
	return root
}

func resolveSocketPath() (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	cfg, err := config.Load("")
	if err != nil {
		return "", err
	}
	return cfg.Daemon.SocketPath + ".cmd", nil
}

func call(req clientproto.Request) (clientproto.Response, error) {
	addr, err := resolveSocketPath()
	if err != nil {
		return clientproto.Response{}, err
	}
	return clientproto.Call("unix", addr, req)
}

func printResult(resp clientproto.Response, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("error_code=%d (%s)\n", resp.ErrorCode, clientproto.ErrorName(resp.ErrorCode))
	if resp.TaskId != 0 {
		fmt.Printf("task_id=%d\n", resp.TaskId)
	}
	if len(resp.Rows) > 0 {
		var pretty interface{}
		if json.Unmarshal(resp.Rows, &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		}
	}
	if resp.ErrorCode != 0 {
		return fmt.Errorf("requestd returned %s", clientproto.ErrorName(resp.ErrorCode))
	}
	return nil
}

func newConstructCmd() *cobra.Command {
	var (
		url, method, action, mode, filePath, title, description string
		priority                                                int32
		retry, followRedirect                                   bool
	)
	cmd := &cobra.Command{
		Use:   "construct",
		Short: "Construct a new download/upload task",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(clientproto.Request{
				Type: clientproto.CmdConstruct,
				Config: &clientproto.TaskConfigDTO{
					URL:            url,
					Method:         method,
					Action:         action,
					Mode:           mode,
					Priority:       priority,
					FilePath:       filePath,
					Title:          title,
					Description:    description,
					Retry:          retry,
					FollowRedirect: followRedirect,
				},
			})
			return printResult(resp, err)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "remote URL")
	cmd.Flags().StringVar(&method, "method", "", "HTTP method (GET/POST/PUT)")
	cmd.Flags().StringVar(&action, "action", "download", "download or upload")
	cmd.Flags().StringVar(&mode, "mode", "foreground", "foreground, background, or any")
	cmd.Flags().Int32Var(&priority, "priority", 0, "scheduling priority within the same qos tier")
	cmd.Flags().StringVar(&filePath, "path", "", "local file path")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().BoolVar(&retry, "retry", true, "allow automatic retry on transient failure")
	cmd.Flags().BoolVar(&followRedirect, "follow-redirect", true, "follow HTTP redirects")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("path")
	return cmd
}

func newTaskCmd(use string, cmdType clientproto.CommandType) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: use + " a task by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id uint32
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}
			resp, err := call(clientproto.Request{Type: cmdType, TaskId: id})
			return printResult(resp, err)
		},
	}
}

func newSearchCmd() *cobra.Command {
	var uid uint64
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search tasks by uid",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(clientproto.Request{Type: clientproto.CmdSearch, Uid: &uid})
			return printResult(resp, err)
		},
	}
	cmd.Flags().Uint64Var(&uid, "uid", 0, "owning application uid")
	return cmd
}

func newDumpAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-all",
		Short: "Dump every persisted task row",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(clientproto.Request{Type: clientproto.CmdDumpAll})
			return printResult(resp, err)
		},
	}
}
