package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"serialhub/serial"
)

var (
	portsJSON  bool
	portsProbe bool
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long:  `List the serial ports known to the OS with their hardware details.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enum := serial.NewEnumerator(serial.EnumeratorOptions{
			Opener:  serial.RealOpener{ReadTimeout: cfg.Serial.ReadTimeout()},
			Probe:   portsProbe,
			Timeout: cfg.Scanner.EnumerateTimeout(),
		}, cliLogger())

		ports, err := enum.List(cmd.Context())
		if err != nil {
			return err
		}

		if portsJSON {
			return writePortsJSON(cmd.OutOrStdout(), ports)
		}
		return writePortsTable(cmd.OutOrStdout(), ports)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <port>",
	Short: "Test-open a serial port",
	Long: `Open the port and close it again immediately. The result is a hint:
the port may be taken or released right after the check.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enum := serial.NewEnumerator(serial.EnumeratorOptions{
			Opener: serial.RealOpener{ReadTimeout: cfg.Serial.ReadTimeout()},
		}, cliLogger())

		availability := enum.Probe(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], availability)
		if availability != serial.AvailabilityAvailable {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	portsCmd.Flags().BoolVar(&portsJSON, "json", false, "Print JSON instead of a table")
	portsCmd.Flags().BoolVar(&portsProbe, "probe", false, "Test-open every port")

	rootCmd.AddCommand(portsCmd, probeCmd)
}

func writePortsJSON(w io.Writer, ports []serial.PortDescriptor) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ports)
}

func writePortsTable(w io.Writer, ports []serial.PortDescriptor) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "No serial ports found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tDESCRIPTION\tHARDWARE ID\tKIND\tAVAILABILITY")
	for _, p := range ports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.HumanLabel, p.HardwareID, p.InterfaceKind, p.Availability)
	}
	return tw.Flush()
}
