// Command messenger publishes, requests and answers messages on a RabbitMQ broker and provisions
// vhosts through the management API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/client"
	"github.com/marcosimioni/messenger/internal/logging"
	"github.com/marcosimioni/messenger/management"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
}

func (g *globals) config() (Config, error) {
	cfg, err := LoadConfig(g.configPath)
	if err != nil {
		return Config{}, err
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// open connects a client with the configured broker.
func (g *globals) open(ctx context.Context) (*client.Client, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	return client.Open(ctx, cfg.Dialer(ctx))
}

func (g *globals) management() (*management.Client, Config, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, Config{}, err
	}
	m, err := management.New(cfg.Management())
	return m, cfg, err
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "messenger",
		Short:        "Publish, request and answer messages on a RabbitMQ broker",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if g.logLevel != "" {
				logging.Logger.SetLevel(logging.ParseLevel(g.logLevel))
			}
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv(envPrefix+"CONFIG"), "credentials file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "DEBUG, INFO, WARN, ERROR or OFF")

	root.AddCommand(
		newPublishCmd(g),
		newRequestCmd(g),
		newRespondCmd(g),
		newProvisionCmd(g),
		newDepthCmd(g),
	)
	return root
}

// messageFlags the flags describing an outgoing message.
type messageFlags struct {
	exchange    string
	contentType string
	headers     map[string]string
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.exchange, "exchange", "e", "", "exchange to publish through, the destination becomes the routing key")
	cmd.Flags().StringVar(&f.contentType, "content-type", "", "content type, detected from the payload when empty")
	cmd.Flags().StringToStringVarP(&f.headers, "header", "H", nil, "header as key=value, repeatable")
}

func (f *messageFlags) message(destination, payload string) messenger.Message {
	opts := []messenger.MessageOption{messenger.WithMessageID(fmt.Sprintf("cli-%d", time.Now().UnixNano()))}
	if f.exchange != "" {
		opts = append(opts, messenger.WithExchange(f.exchange))
	}
	if f.contentType != "" {
		opts = append(opts, messenger.WithContentType(f.contentType))
	}
	for k, v := range f.headers {
		opts = append(opts, messenger.WithHeader(k, v))
	}
	return messenger.NewMessage(destination, []byte(payload), opts...)
}

func newPublishCmd(g *globals) *cobra.Command {
	f := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "publish <destination> <payload>",
		Short: "Publish a single message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err = c.Publish(cmd.Context(), f.message(args[0], args[1])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", args[0])
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRequestCmd(g *globals) *cobra.Command {
	f := &messageFlags{}
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request <destination> <payload>",
		Short: "Send a request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Correlator.Request(cmd.Context(), f.message(args[0], args[1]), timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply.Payload())
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", client.DefaultRequestTimeout, "how long to wait for the reply")
	return cmd
}

func newRespondCmd(g *globals) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "respond <destination>",
		Short: "Answer every request on the destination with its own payload until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			err = c.Consumer.Subscribe(ctx, args[0], func(ctx context.Context, msg messenger.Message) error {
				logging.Logger.Infof("echo %s", msg)
				return c.Publisher.Reply(ctx, msg, msg.Payload(), messenger.WithContentType(msg.ContentType()))
			}, client.WithWorkers(workers))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "answering requests on %s, press Ctrl+C to stop\n", args[0])
			select {
			case <-ctx.Done():
			case <-c.Manager.Done():
				if ctx.Err() != nil {
					return nil // the manager closes with ctx.
				}
				return fmt.Errorf("connection lost: %w", messenger.ErrConnection)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", client.DefaultWorkers, "concurrent handlers")
	return cmd
}

func newProvisionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the configured vhost and user and grant the user access to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, cfg, err := g.management()
			if err != nil {
				return err
			}
			if err = m.Provision(cfg.Vhost, cfg.User, cfg.Password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s for %s\n", cfg.Vhost, cfg.User)
			return nil
		},
	}
}

func newDepthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "depth <queue>",
		Short: "Print the message and consumer counts of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := g.management()
			if err != nil {
				return err
			}
			stats, err := m.QueueDepth(cfg.Vhost, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: messages=%d ready=%d unacked=%d consumers=%d\n",
				args[0], stats.Messages, stats.Ready, stats.Unacked, stats.Consumers)
			return nil
		},
	}
}
