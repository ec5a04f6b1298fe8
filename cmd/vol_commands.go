package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/walb-tools/go-walb/internal/services"
)

// runCommand executes one daemon command and prints the value strings.
func runCommand(cmd string, params []string) error {
	values, err := services.RunCommandClient(serverAddr, clientID, cmd, params)
	if err != nil {
		return err
	}
	for _, v := range values {
		fmt.Println(v)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [volId]",
	Short: "Show daemon or volume status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.StatusCN, args)
	},
}

var initVolCmd = &cobra.Command{
	Use:   "init-vol volId wdevPath",
	Short: "Register a volume for a walb device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.InitVolCN, args)
	},
}

var clearVolCmd = &cobra.Command{
	Use:   "clear-vol volId",
	Short: "Destroy a volume's storage-host state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.ClearVolCN, args)
	},
}

var startCmd = &cobra.Command{
	Use:   "start volId target|standby",
	Short: "Start a volume's pipeline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.StartCN, args)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop volId [force]",
	Short: "Stop a volume's pipeline",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.StopCN, args)
	},
}

var fullBkpCmd = &cobra.Command{
	Use:   "full-bkp volId [bulkLb]",
	Short: "Establish a base image with dirty-full-sync",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.FullBkpCN, args)
	},
}

var hashBkpCmd = &cobra.Command{
	Use:   "hash-bkp volId [bulkLb]",
	Short: "Establish a base image with dirty-hash-sync",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.HashBkpCN, args)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot volId",
	Short: "Take a new generation boundary and print its gid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.SnapshotCN, args)
	},
}

var resetVolCmd = &cobra.Command{
	Use:   "reset-vol volId [gid]",
	Short: "Reset a volume's wlog progress after an overflow",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.ResetVolCN, args)
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize volId newSizeLb",
	Short: "Grow the walb device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.ResizeCN, args)
	},
}

var kickCmd = &cobra.Command{
	Use:   "kick",
	Short: "Re-probe proxies and fast-forward delayed tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.KickCN, nil)
	},
}

var getCmd = &cobra.Command{
	Use:   "get {state|host-type|vol|pid|is-overflow|uuid} [volId]",
	Short: "Query one daemon value",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.GetCN, args)
	},
}

var dbgDumpLogpackHeaderCmd = &cobra.Command{
	Use:   "dbg-dump-logpack-header volId lsid",
	Short: "Dump the raw logpack header at lsid into the volume directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.DbgDumpLogpackHeaderCN, args)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec cmd [args...]",
	Short: "Run a command on the daemon host (requires --allow-exec)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(services.ExecCN, args)
	},
}

func init() {
	rootCmd.AddCommand(
		statusCmd,
		initVolCmd,
		clearVolCmd,
		startCmd,
		stopCmd,
		fullBkpCmd,
		hashBkpCmd,
		snapshotCmd,
		resetVolCmd,
		resizeCmd,
		kickCmd,
		getCmd,
		dbgDumpLogpackHeaderCmd,
		execCmd,
	)
}
