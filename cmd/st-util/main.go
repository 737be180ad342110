// st-util bridges a GDB remote-serial-protocol client to an ARM
// Cortex-M target through a debug probe. Grounded on
// FoenixMgrGo/cmd/root.go's cobra root command and PersistentPreRunE
// config-load pattern, generalized from FoenixMgr's single "port"
// flag to st-util's full probe/session flag surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aniai-dev/st-util/internal/config"
	"github.com/aniai-dev/st-util/internal/logging"
	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/probe/fakeprobe"
	"github.com/aniai-dev/st-util/internal/probe/ftdiprobe"
	"github.com/aniai-dev/st-util/internal/probe/serialprobe"
	"github.com/aniai-dev/st-util/internal/server"
)

var (
	flagVerbose    int
	flagListenPort int
	flagMulti      bool
	flagNoReset    bool
	flagUnderReset bool
	flagFreq       uint32
	flagSemihost   bool
	flagSerial     string
	flagConfig     string
	flagTransport  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "st-util",
		Short:   "GDB server for STM32 (and compatible Cortex-M) targets",
		Version: "2.0.0",
		RunE:    runServe,
	}

	root.Flags().IntVarP(&flagVerbose, "verbose", "v", 0, "enable verbosity")
	root.Flags().Lookup("verbose").NoOptDefVal = "1"
	root.Flags().IntVarP(&flagListenPort, "listen_port", "p", 4242, "port to listen on")
	root.Flags().BoolVarP(&flagMulti, "multi", "m", false, "keep listening after a client disconnects")
	root.Flags().BoolVarP(&flagNoReset, "no-reset", "n", false, "do not reset the target on connect")
	root.Flags().BoolVarP(&flagUnderReset, "connect-under-reset", "u", false, "connect to the target under reset")
	root.Flags().Uint32VarP(&flagFreq, "freq", "F", 0, "debug probe clock frequency in Hz")
	root.Flags().BoolVar(&flagSemihost, "semihosting", false, "enable semihosting")
	root.Flags().StringVar(&flagSerial, "serial", "", "use the probe with this serial number")
	root.Flags().StringVar(&flagConfig, "config", "", "path to an st-util.ini config file")
	root.Flags().StringVar(&flagTransport, "transport", "auto", "probe transport: auto, serial, ftdi, fake")
	root.Flags().BoolP("version", "V", false, "print the version and exit")
	root.CompletionOptions.DisableDefaultCmd = true

	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level := logging.LevelInfo
	verbose := flagVerbose
	if verbose == 0 {
		verbose = cfg.Verbose
	}
	if verbose > 0 {
		level = logging.LevelDebug
	}
	log := logging.New(os.Stderr, level)

	transport := flagTransport
	if transport == "auto" && cfg.Transport != "" {
		transport = cfg.Transport
	}
	serialNum := flagSerial
	if serialNum == "" {
		serialNum = cfg.Serial
	}
	if serialNum == "" {
		serialNum = os.Getenv("STLINK_DEVICE")
	}

	p, err := selectProbe(transport)
	if err != nil {
		return err
	}

	mode := probe.ConnectNormalReset
	if flagUnderReset || cfg.UnderReset {
		mode = probe.ConnectUnderReset
	} else if flagNoReset || cfg.NoReset {
		mode = probe.ConnectHotPlug
	}

	listenPort := flagListenPort
	if listenPort == 4242 && cfg.ListenPort != 0 {
		listenPort = cfg.ListenPort
	}
	multi := flagMulti || cfg.Multi
	semihost := flagSemihost || cfg.Semihosting
	freq := flagFreq
	if freq == 0 {
		freq = uint32(cfg.FreqHz)
	}

	srv := server.New(server.Config{
		Probe:       p,
		Log:         log,
		Addr:        fmt.Sprintf("localhost:%d", listenPort),
		Serial:      serialNum,
		FreqHz:      freq,
		Mode:        mode,
		Multi:       multi,
		Semihosting: semihost,
	})

	log.Info("st-util starting", "listen_port", listenPort, "transport", transport)
	return srv.Serve(context.Background())
}

func selectProbe(transport string) (probe.Probe, error) {
	switch transport {
	case "serial":
		return serialprobe.New(), nil
	case "ftdi":
		return ftdiprobe.New(), nil
	case "fake":
		return fakeprobe.New(probe.ChipInfo{
			FlashSize: 512 * 1024,
			SRAMSize:  128 * 1024,
			FlashPgSz: 0x800,
		}), nil
	case "auto", "":
		return serialprobe.New(), nil
	default:
		return nil, fmt.Errorf("unknown --transport %q (want auto, serial, ftdi, or fake)", transport)
	}
}
