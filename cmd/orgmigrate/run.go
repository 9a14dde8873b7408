package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/orgmigrate/orgmigrate/internal/application/services"
	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/internal/infrastructure/sfapi"
	"github.com/orgmigrate/orgmigrate/pkg/errors"
	"github.com/orgmigrate/orgmigrate/pkg/logging"
)

func newRunCmd() *cobra.Command {
	var (
		scriptPath string
		sourceName string
		targetName string
		verbose    bool
		quiet      bool
		noWarnings bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a migration script",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir := filepath.Dir(scriptPath)

			// a .env next to the script seeds ${VAR} credential expansion;
			// the core itself never reads the environment
			godotenv.Load(filepath.Join(baseDir, ".env"))

			script, err := loadScript(scriptPath)
			if err != nil {
				return err
			}
			log := logging.New(logging.Options{Dir: baseDir, Verbose: verbose, Quiet: quiet})
			defer log.Sync()

			source, err := connect(script, sourceName)
			if err != nil {
				return err
			}
			target, err := connect(script, targetName)
			if err != nil {
				return err
			}

			bus := events.NewBus()
			if !quiet {
				bus.Subscribe(printProgress(cmd))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := services.NewMigrationService(script, baseDir, source, target, bus, log)
			if err := svc.Run(ctx); err != nil {
				if ae, ok := errors.AsAppError(err); ok {
					log.Errorw("migration aborted", "code", ae.Code(), "error", ae.Error())
				}
				return err
			}
			cmd.Println("Migration finished.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&scriptPath, "path", "p", "export.json", "migration script file")
	cmd.Flags().StringVarP(&sourceName, "sourceusername", "s", "", "source org name from the script, or csvfile")
	cmd.Flags().StringVarP(&targetName, "targetusername", "u", "", "target org name from the script, or csvfile")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress progress output")
	cmd.Flags().BoolVar(&noWarnings, "nowarnings", false, "suppress warnings")
	_ = noWarnings
	return cmd
}

var envRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRe.FindStringSubmatch(m)[1])
	})
}

func loadScript(path string) (*models.Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewFilesystemError(path, err)
	}
	var script models.Script
	if err := json.Unmarshal(b, &script); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i := range script.Orgs {
		script.Orgs[i].InstanceURL = expandEnv(script.Orgs[i].InstanceURL)
		script.Orgs[i].AccessToken = expandEnv(script.Orgs[i].AccessToken)
	}
	return &script, nil
}

// connect resolves an org name against the script; the csvfile medium
// yields a nil service.
func connect(script *models.Script, name string) (*sfapi.Service, error) {
	if strings.EqualFold(name, "csvfile") {
		return nil, nil
	}
	for i := range script.Orgs {
		org := &script.Orgs[i]
		if !strings.EqualFold(org.Name, name) {
			continue
		}
		if org.IsFile() {
			return nil, nil
		}
		return sfapi.New(org.InstanceURL, script.EffectiveAPIVersion(), org.AccessToken)
	}
	return nil, fmt.Errorf("org %q is not declared in the script", name)
}

func printProgress(cmd *cobra.Command) events.Handler {
	return func(ev events.Event) {
		switch ev.Type {
		case events.OrderResolved:
			cmd.Println("Order:", ev.Message)
		case events.OperationStarted:
			cmd.Printf("%s %s via %s...\n", ev.Operation, ev.Object, ev.Engine)
		case events.RetrievedRows:
			cmd.Printf("Retrieved %d %s records (%s)\n", ev.RowsSoFar, ev.Object, ev.Side)
		case events.InProgress:
			cmd.Printf("%s: %d processed, %d failed\n", ev.Object, ev.Processed, ev.Failed)
		case events.OperationFinished:
			cmd.Printf("%s done, %d records\n", ev.Object, ev.Processed)
		case events.FailedOrAborted:
			cmd.Printf("%s FAILED: %s\n", ev.Object, ev.Message)
		}
	}
}
