package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chainflow/internal/chains"
	"chainflow/internal/config"
	"chainflow/internal/logging"
	"chainflow/internal/repository"
	"chainflow/pkg/models"
)

//go:embed chains.yaml
var defaultChains []byte

// seedFile is the YAML layout of a chain definitions file.
type seedFile struct {
	Chains []seedChain `yaml:"chains"`
}

type seedChain struct {
	AgentID        string         `yaml:"agent_id"`
	Name           string         `yaml:"name"`
	Active         bool           `yaml:"active"`
	ConditionType  string         `yaml:"condition_type"`
	ExcludeMatched bool           `yaml:"exclude_matched"`
	RunLimit       int            `yaml:"run_limit"`
	Timezone       string         `yaml:"timezone"`
	Conditions     []string       `yaml:"conditions"`
	Steps          []seedStep     `yaml:"steps"`
	Schedule       []seedSchedule `yaml:"schedule"`
}

type seedStep struct {
	DelayValue int          `yaml:"delay_value"`
	DelayUnit  string       `yaml:"delay_unit"`
	Actions    []seedAction `yaml:"actions"`
}

type seedAction struct {
	Type        string            `yaml:"type"`
	Instruction string            `yaml:"instruction"`
	Params      map[string]string `yaml:"params"`
}

type seedSchedule struct {
	Weekday   int    `yaml:"weekday"`
	Enabled   bool   `yaml:"enabled"`
	StartTime string `yaml:"start_time"`
	EndTime   string `yaml:"end_time"`
}

func main() {
	var configPath, file string

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load chain definitions from YAML",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.NewLoggerWithConfig(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

			data := defaultChains
			if file != "" {
				if data, err = os.ReadFile(file); err != nil {
					return err
				}
			}
			defs, err := parseSeed(data)
			if err != nil {
				return err
			}

			repo, err := repository.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to DB: %w", err)
			}
			defer repo.Close()

			created, skipped, err := seed(ctx, chains.NewService(repo, logger), defs, logger)
			if err != nil {
				return err
			}
			logger.Info("Seeding complete!", "created", created, "skipped", skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Chain definitions YAML (default: built-in demo chains)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseSeed decodes a definitions file into unsaved chains.
func parseSeed(data []byte) ([]*models.Chain, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chain definitions: %w", err)
	}

	out := make([]*models.Chain, 0, len(file.Chains))
	for _, def := range file.Chains {
		chain := &models.Chain{
			AgentID:        def.AgentID,
			Name:           def.Name,
			Active:         def.Active,
			ConditionType:  models.ConditionType(def.ConditionType),
			ExcludeMatched: def.ExcludeMatched,
			RunLimit:       def.RunLimit,
			Timezone:       def.Timezone,
		}
		for _, stage := range def.Conditions {
			chain.Conditions = append(chain.Conditions, models.ChainCondition{StageID: stage})
		}
		for i, s := range def.Steps {
			step := models.ChainStep{Order: i + 1, DelayValue: s.DelayValue, DelayUnit: models.DelayUnit(s.DelayUnit)}
			for j, a := range s.Actions {
				step.Actions = append(step.Actions, models.ChainStepAction{
					Order:       j,
					Type:        models.ActionType(a.Type),
					Instruction: a.Instruction,
					Params:      a.Params,
				})
			}
			chain.Steps = append(chain.Steps, step)
		}
		for _, row := range def.Schedule {
			chain.Schedule = append(chain.Schedule, models.ChainSchedule{
				Weekday:   row.Weekday,
				Enabled:   row.Enabled,
				StartTime: row.StartTime,
				EndTime:   row.EndTime,
			})
		}
		out = append(out, chain)
	}
	return out, nil
}

// seed creates every chain whose agent does not already have one with the
// same name.
func seed(ctx context.Context, svc *chains.Service, defs []*models.Chain, logger *logging.Logger) (created, skipped int, err error) {
	existing := make(map[string]map[string]bool)
	for _, def := range defs {
		names, ok := existing[def.AgentID]
		if !ok {
			list, err := svc.List(ctx, def.AgentID)
			if err != nil {
				return created, skipped, fmt.Errorf("failed to list existing chains: %w", err)
			}
			names = make(map[string]bool, len(list))
			for _, c := range list {
				names[c.Name] = true
			}
			existing[def.AgentID] = names
		}

		if names[def.Name] {
			logger.Info("Skipping existing chain", "agent_id", def.AgentID, "name", def.Name)
			skipped++
			continue
		}
		chain, err := svc.Create(ctx, def)
		if err != nil {
			return created, skipped, fmt.Errorf("failed to create chain %q: %w", def.Name, err)
		}
		names[def.Name] = true
		created++
		logger.Info("Seeded chain", "agent_id", chain.AgentID, "name", chain.Name, "id", chain.ID)
	}
	return created, skipped, nil
}
