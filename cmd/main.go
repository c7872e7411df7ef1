package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avigny/sensorspy/internal/arbiter"
	"github.com/avigny/sensorspy/internal/bus"
	"github.com/avigny/sensorspy/internal/cleanup"
	"github.com/avigny/sensorspy/internal/config"
	"github.com/avigny/sensorspy/internal/models"
	"github.com/avigny/sensorspy/internal/scorer"
	"github.com/avigny/sensorspy/internal/sensor"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sensorspy",
		Short: "Impostor-sensor game over MQTT: one sensing peer lies, the rest vote it out",
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default: ./.env when present)")

	arbiterCmd := &cobra.Command{
		Use:   "arbiter",
		Short: "Run the round coordinator: assign roles, time the phases, tally votes",
		RunE:  runArbiter,
	}

	sensorCmd := &cobra.Command{
		Use:   "sensor <peer-id>",
		Short: "Run one sensing peer from the configured group",
		Args:  cobra.ExactArgs(1),
		RunE:  runSensor,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear retained bus state from a previous game (idempotent)",
		RunE:  runReset,
	}

	rootCmd.AddCommand(arbiterCmd, sensorCmd, resetCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(name string) (*config.Config, *bus.Client, *zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger init: %w", err)
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config load: %w", err)
	}

	conn, err := bus.Connect(cfg.BrokerURL, name, cfg.PublishAttempts, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, conn, logger, nil
}

func runArbiter(cmd *cobra.Command, args []string) error {
	cfg, conn, logger, err := setup("arbiter")
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer conn.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	result, err := arbiter.New(cfg, conn, rng, logger).Run(context.Background())
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func runSensor(cmd *cobra.Command, args []string) error {
	id := models.PeerID(args[0])

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.ValidatePeer(id); err != nil {
		return err
	}

	conn, err := bus.Connect(cfg.BrokerURL, string(id), cfg.PublishAttempts, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	var primary scorer.Scorer
	if cfg.InferenceEndpoint != "" {
		primary = scorer.NewInference(scorer.InferenceConfig{
			Endpoint: cfg.InferenceEndpoint,
			Model:    cfg.InferenceModel,
			Timeout:  cfg.InferenceTimeout,
		})
	}
	sc := scorer.WithFallback(primary, scorer.Stat{}, logger)

	sim := sensor.NewSimulator(id, time.Now().UnixNano())
	reporter := sensor.New(cfg, id, conn, sc, sim, logger)
	reporter.NotifyRole = printRole

	result, err := reporter.Run(context.Background())
	if err != nil {
		return err
	}
	if result != nil {
		printResult(result)
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, conn, logger, err := setup("reset")
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer conn.Close()

	return cleanup.Reset(conn, cfg, logger)
}

func printRole(role models.Role) {
	if role == models.RoleImpostor {
		pterm.Warning.Println("You are the impostor. Falsify your readings and avoid detection.")
	} else {
		pterm.Info.Println("You are an honest sensor. Report truthfully and find the impostor.")
	}
}

func printResult(result *models.GameResult) {
	pterm.DefaultSection.Println("Game result")

	candidates := make([]models.PeerID, 0, len(result.Tally))
	for peer := range result.Tally {
		candidates = append(candidates, peer)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if result.Tally[candidates[i]] != result.Tally[candidates[j]] {
			return result.Tally[candidates[i]] > result.Tally[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	rows := pterm.TableData{{"Peer", "Votes", ""}}
	for _, peer := range candidates {
		marker := ""
		if peer == result.Impostor {
			marker = "<- impostor"
		}
		rows = append(rows, []string{string(peer), fmt.Sprintf("%d", result.Tally[peer]), marker})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	pterm.Info.Printfln("True impostor: %s", result.Impostor)
	if result.Winner == models.WinnerSensors {
		pterm.Success.Println("The sensors correctly identified the impostor!")
	} else {
		pterm.Warning.Println("The impostor escaped detection.")
	}
}
