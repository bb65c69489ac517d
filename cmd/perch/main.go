package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/perch/internal/config"
	"github.com/ehrlich-b/perch/internal/transport"
)

var version = "dev"

func client() (*transport.Client, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	c := transport.NewClient(config.SocketPath(dir))
	if !c.Probe() {
		return nil, fmt.Errorf("daemon not running (start it with perchd)")
	}
	return c, nil
}

func main() {
	root := &cobra.Command{
		Use:     "perch",
		Short:   "perch: control the perch daemon",
		Version: version,
	}

	root.AddCommand(
		addCmd(),
		rmCmd(),
		statusCmd(),
		titleCmd(),
		pinCmd(),
		awakeCmd(),
		notifyCmd(),
		shutdownCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [path]",
		Short: "Register a project directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			c, err := client()
			if err != nil {
				return err
			}
			resp, err := c.AddProject(path)
			if err != nil {
				return err
			}
			if resp.Existing {
				fmt.Printf("already registered as %s\n", resp.Slug)
			} else {
				fmt.Printf("registered as %s\n", resp.Slug)
			}
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <slug|path>",
		Short: "Unregister a project (session logs stay on disk)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.RemoveProject(args[0]); err != nil {
				return err
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			st, err := c.Status()
			if err != nil {
				return err
			}
			fmt.Printf("perchd %s on %s (pid %d, up %s)\n", st.Version, st.ListenAddr, st.Pid, st.Uptime)
			fmt.Printf("pin: %v  keep-awake: %v  devices: %d\n", st.PinSet, st.KeepAwake, st.Devices)
			if len(st.Projects) == 0 {
				fmt.Println("no projects registered")
				return nil
			}
			for _, p := range st.Projects {
				name := p.Slug
				if p.Title != "" {
					name = fmt.Sprintf("%s (%s)", p.Title, p.Slug)
				}
				state := ""
				if p.Processing {
					state = "  [processing]"
				}
				fmt.Printf("  %-24s %s  sessions=%d clients=%d%s\n", name, p.Path, p.Sessions, p.Clients, state)
			}
			return nil
		},
	}
}

func titleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "title <slug> <title>",
		Short: "Set a project's display title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.SetProjectTitle(args[0], args[1])
		},
	}
}

func pinCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Set the access PIN (prompted, not echoed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if clear {
				if err := c.SetPin(""); err != nil {
					return err
				}
				fmt.Println("pin cleared, auth disabled")
				return nil
			}
			fmt.Print("New PIN: ")
			pin, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return err
			}
			fmt.Print("Repeat PIN: ")
			again, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return err
			}
			if string(pin) != string(again) {
				return fmt.Errorf("pins do not match")
			}
			if len(pin) == 0 {
				return fmt.Errorf("empty pin; use --clear to disable auth")
			}
			if err := c.SetPin(string(pin)); err != nil {
				return err
			}
			fmt.Println("pin set; existing device tokens revoked")
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "Remove the PIN and disable auth")
	return cmd
}

func awakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "awake <on|off>",
		Short: "Keep the machine awake while the daemon runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			c, err := client()
			if err != nil {
				return err
			}
			return c.SetKeepAwake(on)
		},
	}
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Push notification helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Send a test notification to every configured topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.TestNotify(); err != nil {
				return err
			}
			fmt.Println("test notification sent")
			return nil
		},
	})
	return cmd
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.Shutdown(); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}
