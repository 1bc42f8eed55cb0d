// ivshmsgd is the server half of the IVSHMSG inter-VM shared-memory
// messaging hub. Peers connect over a UNIX domain socket, receive the
// mailbox region and a matrix of eventfd triggers, and from then on talk
// through shared memory; the server occupies the last peer slot and answers
// requests of its own.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/famez/ivshmsg/shared/logger"
)

type cmdDaemon struct {
	flagSocketPath string
	flagMailbox    string
	flagNClients   int
	flagSilent     bool
	flagRecycle    bool
	flagForeground bool
	flagLogFile    string
	flagVerbose    bool
}

func (c *cmdDaemon) command() *cobra.Command {
	defaults := defaultDaemonConfig()

	cmd := &cobra.Command{
		Use:           "ivshmsgd",
		Short:         "IVSHMSG shared-memory messaging hub server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.run,
	}

	cmd.Flags().StringVar(&c.flagSocketPath, "socketpath", defaults.SocketPath, "Path for the listen socket")
	cmd.Flags().StringVar(&c.flagMailbox, "mailbox", defaults.MailboxName, "Name of the shared-memory mailbox object")
	cmd.Flags().IntVar(&c.flagNClients, "nclients", defaults.NClients, "Client capacity")
	cmd.Flags().BoolVar(&c.flagSilent, "silent", false, "Do not participate in messaging")
	cmd.Flags().BoolVar(&c.flagRecycle, "recycle", false, "Retain disconnected peers' notifiers for reconnection")
	cmd.Flags().BoolVar(&c.flagForeground, "foreground", false, "Log to stderr and run the interactive console")
	cmd.Flags().StringVar(&c.flagLogFile, "logfile", defaults.LogFile, "Log destination when not foregrounded")
	cmd.Flags().BoolVar(&c.flagVerbose, "verbose", false, "Debug logging")

	return cmd
}

func (c *cmdDaemon) run(cmd *cobra.Command, args []string) error {
	if c.flagNClients < 1 {
		return fmt.Errorf("Client capacity must be at least 1, got %d", c.flagNClients)
	}

	closer, err := logger.Setup(c.flagForeground, c.flagLogFile, c.flagVerbose)
	if err != nil {
		return err
	}

	if closer != nil {
		defer func() { _ = closer() }()
	}

	config := defaultDaemonConfig()
	config.SocketPath = c.flagSocketPath
	config.MailboxName = c.flagMailbox
	config.NClients = c.flagNClients
	config.Silent = c.flagSilent
	config.Recycle = c.flagRecycle
	config.Foreground = c.flagForeground
	config.LogFile = c.flagLogFile
	config.Verbose = c.flagVerbose

	d := newDaemon(config)

	err = d.Start()
	if err != nil {
		return err
	}

	if config.Foreground {
		go newCommander(d).run()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Caught signal", logger.Ctx{"signal": sig})
	case <-d.Dead():
	}

	return d.Stop()
}

func main() {
	daemonCmd := cmdDaemon{}

	err := daemonCmd.command().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
