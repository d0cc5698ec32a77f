package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dfelinto/blender-cloud-addon/internal/syncer"
)

var syncNode string

var syncCmd = &cobra.Command{
	Use:   "sync <project-uuid>",
	Short: "Download a project's textures",
	Long: `Walk a project (or, with --node, the subtree below one node) and download
every texture file into the textures directory.

Files already present with a valid sidecar are skipped. Exit status is 1 when
the run failed and 2 when some files could not be synced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		var last time.Time
		interactive := term.IsTerminal(int(os.Stderr.Fd()))
		opts := syncer.RunOptions{
			OnProgress: func(p syncer.Progress) {
				if !interactive || time.Since(last) < 500*time.Millisecond {
					return
				}
				last = time.Now()
				fmt.Fprintf(os.Stderr, "%-12s discovered %d, downloaded %d, skipped %d, failed %d\n",
					p.State, p.Discovered, p.Downloaded, p.Skipped, p.Failed)
			},
		}

		var run *syncer.Run
		if syncNode != "" {
			run = s.SyncNode(syncNode, opts)
		} else {
			run = s.StartSync(args[0], opts)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-run.Done():
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "Cancelling...")
			run.Cancel()
			<-run.Done()
		}

		sum := run.Summary()
		fmt.Printf("Sync %s: %s in %v\n", sum.Root, sum.State, sum.Finished.Sub(sum.Started).Round(time.Millisecond))
		fmt.Printf("   Discovered: %d\n", sum.Discovered)
		fmt.Printf("   Downloaded: %d\n", sum.Downloaded)
		fmt.Printf("   Skipped:    %d\n", sum.Skipped)
		fmt.Printf("   Failed:     %d\n", sum.Failed)
		for _, f := range sum.Failures {
			fmt.Printf("   - %v\n", f)
		}

		switch sum.State {
		case syncer.StateFailed:
			return &exitError{code: 1, msg: fmt.Sprintf("Error: %v", sum.Err)}
		case syncer.StatePartiallyFailed:
			return &exitError{code: 2}
		case syncer.StateCancelled:
			return &exitError{code: 130}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncNode, "node", "", "Sync only the subtree below this node")
	syncCmd.Flags().Bool("revalidate", false, "Check already downloaded files with conditional requests")
	rootCmd.AddCommand(syncCmd)
}
