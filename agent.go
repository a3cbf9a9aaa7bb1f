package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"serialhub/capture"
	"serialhub/config"
	"serialhub/forward"
	"serialhub/serial"
)

var (
	agentURL      string
	agentToken    string
	agentBaudRate int
	agentPortName string
)

var agentCmd = &cobra.Command{
	Use:   "agent <device>",
	Short: "Forward a local serial port to a remote hub",
	Long: `Read newline-framed data from a local serial port and POST every line
to a remote hub's /api/forward-serial endpoint.

The token is taken from --token or the DEVICE_AGENT_TOKEN environment variable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token := agentToken
		if token == "" {
			token = os.Getenv(config.TokenEnvVar)
		}
		if token == "" {
			return errors.New("a forwarding token is required (--token or " + config.TokenEnvVar + ")")
		}

		baud := agentBaudRate
		if baud == 0 {
			baud = cfg.Serial.DefaultBaudRate
		}

		logger := setupLogging(cfg, debug)
		agent := forward.NewAgent(&forward.AgentConfig{
			Device:    args[0],
			BaudRate:  baud,
			PortName:  agentPortName,
			RemoteURL: agentURL,
			Token:     token,
			Opener:    serial.RealOpener{ReadTimeout: cfg.Serial.ReadTimeout()},
			Worker: capture.WorkerConfig{
				IdleSleep:            cfg.Serial.IdleSleep(),
				ErrorBackoff:         cfg.Serial.ErrorBackoff(),
				MaxConsecutiveErrors: cfg.Serial.MaxConsecutiveErrors,
			},
			Logger: logger,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		runErr := agent.Run(ctx)

		st := agent.Stats()
		logger.Info("Agent exited",
			"connected", st.Connected,
			"forwarded", st.Forwarded,
			"failed", st.Failed,
			"dropped", st.Dropped)
		return runErr
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentURL, "url", "http://localhost:8080/api/forward-serial", "Remote forwarding endpoint")
	agentCmd.Flags().StringVar(&agentToken, "token", "", "Forwarding token")
	agentCmd.Flags().IntVarP(&agentBaudRate, "baud", "b", 0, "Baud rate (default serial.default_baud_rate)")
	agentCmd.Flags().StringVar(&agentPortName, "name", "", "Port name reported upstream (default the device)")

	rootCmd.AddCommand(agentCmd)
}
