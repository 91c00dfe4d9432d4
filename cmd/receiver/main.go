package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/receiver/internal/assembler"
	"github.com/breeze-rmm/receiver/internal/config"
	"github.com/breeze-rmm/receiver/internal/connmgr"
	"github.com/breeze-rmm/receiver/internal/cryptosess"
	"github.com/breeze-rmm/receiver/internal/decoder"
	"github.com/breeze-rmm/receiver/internal/ice"
	"github.com/breeze-rmm/receiver/internal/logging"
	"github.com/breeze-rmm/receiver/internal/model"
	"github.com/breeze-rmm/receiver/internal/session"
	"github.com/breeze-rmm/receiver/internal/signaling"
	"github.com/breeze-rmm/receiver/internal/stunclient"
	"github.com/breeze-rmm/receiver/internal/turnclient"
	"github.com/breeze-rmm/receiver/internal/wire"
)

var (
	version    = "0.1.0"
	cfgFile    string
	targetHost string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Remote desktop receiver",
	Long:  `receiver connects to a remote-desktop host through NAT, decrypts and reassembles its video stream, and forwards local input back to it.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a host and start receiving",
	Run: func(cmd *cobra.Command, args []string) {
		runReceiver()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("receiver v%s\n", version)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Resolve this host's public endpoint via the configured STUN pool and exit",
	Run: func(cmd *cobra.Command, args []string) {
		probeSTUN()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/receiver/receiver.yaml)")
	rootCmd.PersistentFlags().StringVar(&targetHost, "host", "", "target host identifier to look up in the signaling directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

func probeSTUN() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := stunclient.Discover(ctx, cfg.STUNServers)
	if err != nil {
		log.Error("stun discovery failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("public endpoint: %s:%d (via %s)\n", res.PublicIP, res.PublicPort, res.Server)
}

func runReceiver() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	if targetHost == "" {
		fmt.Fprintln(os.Stderr, "--host is required")
		os.Exit(1)
	}

	log.Info("starting receiver", "version", version, "target", targetHost)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var turnClient *turnclient.Client
	if cfg.TURNServer != "" {
		turnClient = turnclient.New(turnclient.Config{
			ServerAddr: cfg.TURNServer,
			Username:   cfg.TURNUsername,
			Password:   cfg.TURNPassword,
			Realm:      cfg.TURNRealm,
		})
	}

	manager := connmgr.New(connmgr.DefaultBackoff(), connmgr.Observer{
		OnConnect:         func() { log.Info("connected") },
		OnDisconnect:      func(err error) { log.Warn("disconnected", "error", err) },
		OnReconnectStart:  func(attempt int) { log.Info("reconnecting", "attempt", attempt) },
		OnReconnectFailed: func(reason connmgr.FailureReason) { log.Error("giving up", "reason", reason) },
	})

	manager.Run(ctx, func(ctx context.Context) error {
		return connectOnce(ctx, cfg, turnClient, manager)
	})
}

func connectOnce(ctx context.Context, cfg *config.Config, turnClient *turnclient.Client, manager *connmgr.Manager) error {
	sig := signaling.New(cfg.SignalingURL, cfg.SignalingAuthToken)

	candidateRecords, err := sig.FetchHostCandidates(ctx, targetHost)
	if err != nil {
		return fmt.Errorf("fetch host candidates: %w", err)
	}
	if len(candidateRecords) == 0 {
		return fmt.Errorf("no live candidates for host %q", targetHost)
	}

	candidates := make([]ice.Candidate, 0, len(candidateRecords))
	for _, r := range candidateRecords {
		addr, err := net.ResolveUDPAddr("udp4", r.Address)
		if err != nil {
			continue
		}
		t := ice.TypeHost
		switch r.CandidateType {
		case "srflx":
			t = ice.TypeServerReflexive
		case "relay":
			t = ice.TypeRelay
		}
		candidates = append(candidates, ice.Candidate{Type: t, Addr: addr})
	}

	localConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer localConn.Close()

	agent := ice.New(turnClient)
	result, err := agent.Connect(ctx, localConn, candidates)
	if err != nil {
		return fmt.Errorf("ice connect: %w", err)
	}

	crypto, err := cryptosess.New()
	if err != nil {
		return fmt.Errorf("new crypto session: %w", err)
	}

	thresholds := assembler.DirectThresholds()
	if result.Candidate.Type == ice.TypeRelay {
		thresholds = assembler.RelayedThresholds()
	}

	var sess *session.Session
	dec := decoder.New(noopSink{})
	asm := assembler.New(thresholds,
		func(packetType byte, timestampNs uint64, payload []byte) {
			var err error
			switch packetType {
			case wire.TypeVPS:
				err = dec.SetVPS(payload)
			case wire.TypeSPS:
				err = dec.SetSPS(payload)
			case wire.TypePPS:
				err = dec.SetPPS(payload)
			case wire.TypeVideoFrame, wire.TypeKeyFrame:
				err = dec.Submit(payload, timestampNs)
			default:
				return
			}
			if err != nil && err != decoder.ErrNoKeyFrameYet {
				log.Warn("decoder adapter error", "error", err, "packet_type", wire.TypeName(packetType))
			}
		},
		func() {
			if sess != nil {
				sess.RequestKeyFrame()
			}
		},
	)

	inputAddr := fmt.Sprintf("%s:%d", hostOf(result.Candidate.Addr), cfg.ServerInputPort)
	_ = inputAddr // wired by the input package's own Sender, constructed by the caller that owns the UI loop

	controlAddr := fmt.Sprintf("%s:%d", hostOf(result.Candidate.Addr), cfg.ServerControlPort)
	controlConn, err := net.Dial("tcp4", controlAddr)
	if err != nil {
		return fmt.Errorf("dial control channel %s: %w", controlAddr, err)
	}

	sess = session.New(session.Config{
		SessionID:   targetHost,
		ListenPort:  uint16(cfg.ListenPort),
		DataConn:    result.Conn,
		HostAddr:    result.Candidate.Addr,
		ControlConn: controlConn,
		Crypto:      crypto,
		Assembler:   asm,
		OnState:   func(st model.OmniscientState) { log.Debug("host state", "engine_mode", st.EngineMode, "codec", st.CodecName) },
		OnAuthDone: func(ok bool) {
			if ok {
				manager.MarkConnected()
			}
		},
	})

	manager.MarkWaitingForAuth()
	sess.Start(ctx)
	defer sess.Stop()

	<-ctx.Done()
	return nil
}

func hostOf(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	return ""
}

// noopSink discards prepared frames; a real build wires this to a platform
// decoder, which is out of scope for this module (see spec Non-goals).
type noopSink struct{}

func (noopSink) SetVPS(vps []byte) error                 { return nil }
func (noopSink) SetSPS(sps []byte) error                 { return nil }
func (noopSink) SetPPS(pps []byte) error                 { return nil }
func (noopSink) Decode(annexB []byte, ptsNs uint64) error { return nil }
