// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bbnote/goprobe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	flagLogLevel  int
	flagInterface string
	flagRemote    string
	flagSerial    string

	logger *logrus.Logger
)

func initLogger() {
	formatter := &prefixed.TextFormatter{
		DisableColors:   false,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger = logrus.New()
	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "probeScan",
	Short: "Debug probe target scanner and flash tool",
	Long: `Scans a debug probe's scan chain or SWD link for targets and
exposes basic target operations.

Examples:
  probeScan scan                       # Enumerate targets over SWD
  probeScan --if JTAG scan             # Enumerate over JTAG
  probeScan info                       # Show memory map of target 0
  probeScan erase                      # Mass erase target 0
  probeScan write 0x08000000 fw.bin    # Program an image`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetLevel(logrus.Level(flagLogLevel))
		goprobe.SetLogger(logger)
	},
}

type probeDriver interface {
	goprobe.SwdDriver
	goprobe.JtagDriver
}

// openProbe connects the configured probe, remote serial when a
// device path is given, USB otherwise.
func openProbe() (probeDriver, func(), error) {
	if flagRemote != "" {
		probe, err := goprobe.NewRemoteProbe(flagRemote)
		if err != nil {
			return nil, nil, err
		}
		if strings.EqualFold(flagInterface, "JTAG") {
			err = probe.ConnectJtag()
		} else {
			err = probe.ConnectSwd()
		}
		if err != nil {
			probe.Close()
			return nil, nil, err
		}
		return probe, func() { probe.Close() }, nil
	}

	if err := goprobe.InitializeUSB(); err != nil {
		return nil, nil, err
	}
	probe, err := goprobe.NewCmsisDap(flagSerial)
	if err != nil {
		goprobe.CloseUSB()
		return nil, nil, err
	}
	kind := goprobe.ConnectionSwd
	if strings.EqualFold(flagInterface, "JTAG") {
		kind = goprobe.ConnectionJtag
	}
	if err := probe.Connect(kind); err != nil {
		probe.Close()
		goprobe.CloseUSB()
		return nil, nil, err
	}
	return probe, func() {
		probe.Close()
		goprobe.CloseUSB()
	}, nil
}

// scanTargets runs the configured scan and attaches nothing; callers
// decide what to do with the session.
func scanTargets() (*goprobe.Session, func(), error) {
	probe, closeProbe, err := openProbe()
	if err != nil {
		return nil, nil, err
	}

	session := goprobe.NewSession(&goprobe.SessionConfig{
		Print: func(format string, args ...interface{}) {
			fmt.Printf(format, args...)
		},
	})

	var targets []*goprobe.Target
	if strings.EqualFold(flagInterface, "JTAG") {
		targets, err = session.JtagScan(probe)
	} else {
		targets, err = session.SwdScan(probe, 0)
	}
	if err != nil {
		session.Close()
		closeProbe()
		return nil, nil, err
	}
	logger.Infof("scan found %d targets", len(targets))

	return session, func() {
		session.Close()
		closeProbe()
	}, nil
}

func targetZero(session *goprobe.Session) (*goprobe.Target, error) {
	targets := session.Targets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets found")
	}
	t := targets[0]
	if err := t.Attach(); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	return t, nil
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Enumerate targets on the debug link",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, done, err := scanTargets()
		if err != nil {
			return err
		}
		defer done()

		for i, t := range session.Targets() {
			fmt.Printf("%2d  %-12s  idcode 0x%08x\n", i, t.Name, t.IdCode)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the memory map of the first target",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, done, err := scanTargets()
		if err != nil {
			return err
		}
		defer done()

		t, err := targetZero(session)
		if err != nil {
			return err
		}
		defer t.Detach()

		fmt.Printf("%s idcode 0x%08x\n", t.Name, t.IdCode)
		for _, r := range t.RAM() {
			fmt.Printf("  ram    0x%08x  0x%x\n", r.Start, r.Length)
		}
		for _, f := range t.Flash() {
			fmt.Printf("  flash  0x%08x  0x%x  block 0x%x\n", f.Start, f.Length, f.BlockSize)
		}
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Mass erase the first target",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, done, err := scanTargets()
		if err != nil {
			return err
		}
		defer done()

		t, err := targetZero(session)
		if err != nil {
			return err
		}
		defer t.Detach()

		logger.Infof("erasing %s...", t.Name)
		if err := t.MassErase(); err != nil {
			return err
		}
		logger.Info("erase done")
		return nil
	},
}

var blankCmd = &cobra.Command{
	Use:   "blank",
	Short: "Check whether the first target's flash is erased",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, done, err := scanTargets()
		if err != nil {
			return err
		}
		defer done()

		t, err := targetZero(session)
		if err != nil {
			return err
		}
		defer t.Detach()

		blank, err := t.BlankCheck()
		if err != nil {
			return err
		}
		if !blank {
			return fmt.Errorf("target is not blank")
		}
		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <address> <file>",
	Short: "Program a binary image into flash",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", args[0], err)
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		session, done, err := scanTargets()
		if err != nil {
			return err
		}
		defer done()

		t, err := targetZero(session)
		if err != nil {
			return err
		}
		defer t.Detach()

		logger.Infof("programming %d bytes at 0x%08x", len(data), addr)
		if err := t.FlashErase(uint32(addr), uint32(len(data))); err != nil {
			return err
		}
		if err := t.FlashWrite(uint32(addr), data); err != nil {
			return err
		}
		if err := t.FlashComplete(); err != nil {
			return err
		}
		if err := t.FlashVerify(uint32(addr), data); err != nil {
			return err
		}
		logger.Info("programming done")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&flagLogLevel, "LogLevel", int(logrus.InfoLevel), "Logging verbosity [0 - 7]")
	rootCmd.PersistentFlags().StringVar(&flagInterface, "if", "SWD", "Interface connecting to target")
	rootCmd.PersistentFlags().StringVar(&flagRemote, "remote", "", "Serial device of a remote protocol probe")
	rootCmd.PersistentFlags().StringVar(&flagSerial, "serial", "", "USB serial number of the probe")

	rootCmd.AddCommand(scanCmd, infoCmd, eraseCmd, blankCmd, writeCmd)
}

func main() {
	initLogger()
	logger.Info("Welcome to goprobe target scanner...")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
