// Command chatqueue-demo drives a single ChatQueue through a scripted
// packet trace and prints the packets it writes, in order. It exists to
// exercise the core end to end without a real backend connection or
// wire codec, both of which spec.md places out of scope.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blang/semver"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"

	"github.com/datawire/mc-chat-queue/pkg/chatqueue"
	"github.com/datawire/mc-chat-queue/pkg/config"
	"github.com/datawire/mc-chat-queue/pkg/lastseen"
	"github.com/datawire/mc-chat-queue/pkg/serverlink"
	"github.com/datawire/mc-chat-queue/pkg/violation"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "chatqueue-demo",
		Short: "Replay a scripted chat/command/ack trace through a ChatQueue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "optional YAML config overlay (see pkg/config.File)")
	cmd.SetContext(context.Background())
	return cmd
}

func run(ctx context.Context, configFile string) error {
	env, err := config.LoadEnv(ctx)
	if err != nil {
		return err
	}
	if configFile != "" {
		f, err := config.LoadFile(configFile)
		if err != nil {
			return err
		}
		env = env.Merge(f)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

	group := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	group.Go("demo", func(ctx context.Context) error {
		demo(ctx)
		return nil
	})
	return group.Wait()
}

type demoPlayer struct {
	sessionID string
	link      serverlink.Link
}

func (p *demoPlayer) SessionID() string { return p.sessionID }

func (p *demoPlayer) EnsureCurrentServer(context.Context) serverlink.Link { return p.link }

// secureChatProtocolVersion is the first Minecraft protocol version to
// require the last-seen-messages bookkeeping this module implements.
// build_packet below consults ServerLink.Version against it, so a
// backend negotiated below this never gets a last-seen prefix.
var secureChatProtocolVersion = semver.MustParse("1.19.0")

// buildClientForwarded implements enqueue_client_packet's build_packet
// for this demo: it embeds the effective last-seen only when the link's
// negotiated protocol is new enough to understand it.
func buildClientForwarded(_ context.Context, version semver.Version, effective *lastseen.Messages) (serverlink.Packet, error) {
	if version.LT(secureChatProtocolVersion) {
		return serverlink.ClientForwarded{}, nil
	}
	return serverlink.ClientForwarded{LastSeen: effective}, nil
}

func demo(ctx context.Context) {
	link := serverlink.NewMemoryLinkWithVersion(secureChatProtocolVersion)
	player := &demoPlayer{sessionID: uuid.NewString(), link: link}

	violations := violation.ReporterFunc(func(v *violation.Violation) {
		dlog.Errorf(ctx, "protocol violation: %v", v)
	})

	q := chatqueue.NewQueue(ctx, player, violations)
	defer q.Close()

	q.EnqueueClientPacket(buildClientForwarded, time.Now(), lastseen.New(0, 0b101), true)
	q.EnqueueAcknowledgement(5)
	q.EnqueueAcknowledgement(10)
	q.EnqueueClientPacket(buildClientForwarded, time.Now(), lastseen.New(0, 0b1), true)

	deadline := time.Now().Add(time.Second)
	for len(link.Written()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i, pkt := range link.Written() {
		fmt.Printf("%d: %s %+v\n", i, pkt.Kind(), pkt)
	}
}
