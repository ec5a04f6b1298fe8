package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/walb-tools/go-walb/internal/device"
	"github.com/walb-tools/go-walb/internal/interfaces"
	"github.com/walb-tools/go-walb/internal/services"
	"github.com/walb-tools/go-walb/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().String("listen", "0.0.0.0:5000", "listen address")
	serveCmd.Flags().String("base-dir", "/var/walb/storage", "volume state directory")
	serveCmd.Flags().String("node-id", "", "node id (default host:port)")
	serveCmd.Flags().String("archive", "", "archive host address")
	serveCmd.Flags().StringSlice("proxy", nil, "proxy host addresses in priority order")
	serveCmd.Flags().Uint64("max-wlog-send-mb", 128, "wlog bytes shipped per round [MiB]")
	serveCmd.Flags().Int("delay-sec-for-retry", 20, "re-schedule delay after a failed round [s]")
	serveCmd.Flags().Int("max-foreground-tasks", 2, "concurrent worker rounds")
	serveCmd.Flags().Int("socket-timeout", 10, "socket timeout [s]")
	serveCmd.Flags().String("compress", "snappy", "diff compression: none|snappy|gzip|lzma")
	serveCmd.Flags().String("sysfs-dir", "/sys/block", "sysfs root for walb devices")
	serveCmd.Flags().Bool("allow-exec", false, "serve the exec protocol")
	viper.BindPFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func parseCmprType(s string) (uint8, error) {
	switch s {
	case "none":
		return types.CmprNone, nil
	case "snappy":
		return types.CmprSnappy, nil
	case "gzip":
		return types.CmprGzip, nil
	case "lzma", "xz":
		return types.CmprLzma, nil
	default:
		return 0, fmt.Errorf("unknown compression type %q", s)
	}
}

func runServe() error {
	cmpr, err := parseCmprType(viper.GetString("compress"))
	if err != nil {
		return err
	}
	cfg := services.DefaultConfig()
	cfg.ListenAddr = viper.GetString("listen")
	cfg.BaseDir = viper.GetString("base-dir")
	cfg.NodeID = viper.GetString("node-id")
	if cfg.NodeID == "" {
		cfg.NodeID = cfg.ListenAddr
	}
	cfg.ArchiveAddr = viper.GetString("archive")
	cfg.ProxyAddrs = viper.GetStringSlice("proxy")
	cfg.MaxWlogSendMb = viper.GetUint64("max-wlog-send-mb")
	cfg.DelaySecForRetry = viper.GetInt("delay-sec-for-retry")
	cfg.MaxForegroundTasks = viper.GetInt("max-foreground-tasks")
	cfg.SocketTimeout = time.Duration(viper.GetInt("socket-timeout")) * time.Second
	cfg.CmprType = cmpr
	cfg.AllowExec = viper.GetBool("allow-exec")

	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base dir: %w", err)
	}

	sc := services.NewStorageContext(cfg)
	sysfsDir := viper.GetString("sysfs-dir")
	sc.WdevFactory = func(wdevPath string) (interfaces.WdevController, error) {
		name := filepath.Base(wdevPath)
		wldev := filepath.Join(filepath.Dir(wdevPath), name+"_log")
		return device.NewSysfsWdev(name, sysfsDir, wldev), nil
	}

	if err := loadVolumes(sc); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	log.WithField("addr", cfg.ListenAddr).WithField("nodeId", cfg.NodeID).Info("walb-storage serving")

	go services.Serve(sc, ln)
	go services.RunWdevMonitor(sc, time.Second)
	go services.RunProxyMonitor(sc, time.Second)
	go services.RunDispatcher(sc)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	sc.Shutdown(false)
	ln.Close()
	return nil
}

// loadVolumes restores every persisted volume and resumes monitoring for
// those that were running.
func loadVolumes(sc *services.StorageContext) error {
	vols, err := services.VolList(sc)
	if err != nil {
		return err
	}
	for _, volID := range vols {
		vi := services.NewVolInfo(sc.Cfg.BaseDir, volID)
		wdevPath, err := vi.WdevPath()
		if err != nil {
			log.WithField("vol", volID).WithError(err).Error("skipping volume without wdev path")
			continue
		}
		dev, err := sc.WdevFactory(wdevPath)
		if err != nil {
			log.WithField("vol", volID).WithError(err).Error("failed to bind wdev")
			continue
		}
		if err := sc.RegisterWdev(volID, dev); err != nil {
			log.WithField("vol", volID).WithError(err).Error("failed to register wdev")
			continue
		}
		st := sc.VolState(volID).SM.Get()
		if st == services.StateTarget || st == services.StateStandby {
			sc.StartMonitoring(volID)
			log.WithField("vol", volID).WithField("state", st).Info("resumed monitoring")
		}
	}
	return nil
}
