// Command car is the codex-autorunner CLI: it starts and supervises
// ticket flow runs, reconciles dead workers, and projects the attention
// inbox across configured repos.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/hub"
	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/paths"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "car: %v\n", err)
		os.Exit(1)
	}
}

// app carries the root flags and the lazily constructed hub services.
type app struct {
	configPath string
	repoRoot   string

	svc *hub.Services
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "car",
		Short:         "Drive long-running agent coding sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "hub config file")
	root.PersistentFlags().StringVarP(&a.repoRoot, "repo", "C", ".", "repo root to operate on")
	root.PersistentPostRun = func(cmd *cobra.Command, _ []string) {
		a.close(cmd.Context())
	}
	root.AddCommand(newFlowCmd(a), newReconcileCmd(a), newInboxCmd(a))
	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(paths.DirName, "hub.yaml")
	}
	return filepath.Join(home, paths.DirName, "hub.yaml")
}

func (a *app) services() (*hub.Services, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cfg, err := hub.LoadHubConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(nil, logging.ParseLevel(cfg.LogLevel))
	hubRoot := filepath.Dir(a.configPath)
	if err := os.MkdirAll(hubRoot, 0o755); err != nil {
		return nil, err
	}
	svc, err := hub.NewServices(hubRoot, cfg, logging.NewComponentLogger("hub"))
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *app) repo(ctx context.Context) (*hub.RepoServices, error) {
	svc, err := a.services()
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(a.repoRoot)
	if err != nil {
		return nil, err
	}
	return svc.Repo(ctx, root)
}

func (a *app) close(ctx context.Context) {
	if a.svc != nil {
		a.svc.Close(ctx)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printRun(run *flow.Run) {
	fmt.Printf("run_id=%s\n", run.ID)
	fmt.Printf("status=%s\n", run.Status)
	if run.CurrentStep != "" {
		fmt.Printf("current_step=%s\n", run.CurrentStep)
	}
	if run.StopRequested {
		fmt.Println("stop_requested=true")
	}
	if run.ErrorMessage != "" {
		fmt.Printf("error=%q\n", run.ErrorMessage)
	}
}
