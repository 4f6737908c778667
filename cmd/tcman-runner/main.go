// Command tcman-runner uploads test definition files to an appliance over
// SSH, waits for the result artifacts it produces, and records the
// normalized outcomes locally. Files are given as positional arguments and
// processed in order.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/juno-kyojin/tcman/internal/persistence"
	"github.com/juno-kyojin/tcman/internal/runner"
	"github.com/juno-kyojin/tcman/internal/sshx"
	"github.com/juno-kyojin/tcman/pkg/testdef"
)

var (
	flagHost         = flag.String("host", "192.168.88.1", "Appliance address")
	flagPort         = flag.Int("port", 22, "Appliance SSH port")
	flagUser         = flag.String("user", "root", "SSH user")
	flagPassword     = flag.String("password", "", "SSH password (prefer -password.file)")
	flagConfigPath   = flag.String("config-path", "/root/config", "Remote directory watched by the appliance")
	flagResultPath   = flag.String("result-path", "/root/result", "Remote directory holding result artifacts")
	flagLocalResults = flag.String("local-results", "results", "Local directory for downloaded artifacts")
	flagArchiveDir   = flag.String("archive-dir", "", "Directory for gzipped per-run archives (disabled when empty)")
	flagDataDir      = flag.String("datadir", "./data", "Directory for the run history store")
	flagTimeout      = flag.Duration("result-timeout", 120*time.Second, "Result wait budget for ordinary tests")
	flagDebug        = flag.Bool("debug", false, "Enable debug logging")

	passwordFile = flagx.FileBytes{}
)

func init() {
	flag.Var(&passwordFile, "password.file", "File containing the SSH password")
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from env")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetReportCaller(true)
		log.SetLevel(log.DebugLevel)
	}

	files := flag.Args()
	if len(files) == 0 {
		log.Fatal("no test definition files given")
	}
	// Screen every file up front so a typo does not surface halfway through
	// the batch; the runner re-validates at processing time.
	for _, f := range files {
		_, err := testdef.Load(f)
		rtx.Must(err, "invalid test definition %s", f)
	}

	password := *flagPassword
	if len(passwordFile) > 0 {
		password = strings.TrimSpace(string(passwordFile))
	}
	if password == "" {
		log.Fatal("no password given, use -password or -password.file")
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	store, err := persistence.OpenBadger(*flagDataDir)
	rtx.Must(err, "could not open history store")
	defer store.Close()

	cfg := runner.DefaultConfig()
	cfg.Host = *flagHost
	cfg.Port = *flagPort
	cfg.User = *flagUser
	cfg.Password = password
	cfg.ConfigPath = *flagConfigPath
	cfg.ResultPath = *flagResultPath
	cfg.LocalResultDir = *flagLocalResults
	cfg.ArchiveDir = *flagArchiveDir
	cfg.Locator.BaseTimeout = *flagTimeout

	sess := sshx.NewSession()
	defer sess.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r := runner.New(cfg, sess, store, runner.HumanReadable{Debug: *flagDebug})
	summary, err := r.Run(ctx, files)
	rtx.Must(err, "batch aborted")
	if summary.Failed > 0 {
		os.Exit(1)
	}
}
