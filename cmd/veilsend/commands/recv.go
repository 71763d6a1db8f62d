package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veilsend/veilsend/pkg/metrics"
	"github.com/veilsend/veilsend/pkg/pool"
	"github.com/veilsend/veilsend/pkg/session"
	"github.com/veilsend/veilsend/pkg/transfer"
	"github.com/veilsend/veilsend/pkg/wire"
)

func recvCmd() *cobra.Command {
	var (
		listen string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Wait for a peer and receive files",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			defer id.Zeroize()

			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			defer ln.Close()
			fmt.Printf("Listening on %s. Fingerprint: %s\n", listen, id.DisplayFingerprint())

			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			defer conn.Close()

			sess, err := session.Respond(ctx, conn, session.Config{
				Identity: id.KeyPair,
				Logger:   log,
			})
			if err != nil {
				return err
			}
			defer sess.Close()
			fmt.Printf("Connected. Peer fingerprint: %x\n", sess.PeerFingerprint())

			store, err := transfer.NewStore(jobStoreDir())
			if err != nil {
				return err
			}
			exec := pool.NewExecutor(pool.Config{})
			defer exec.Close(context.Background())

			return receiveLoop(ctx, sess, store, exec, outDir)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":7643", "listen address")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

// receiveLoop consumes session events until the first transfer completes
// or the session ends.
func receiveLoop(ctx context.Context, sess *session.Session, store *transfer.Store, exec pool.Executor, outDir string) error {
	var recv *transfer.Receiver
	cfg := transfer.ReceiverConfig{
		Link:     sess,
		Executor: exec,
		Store:    store,
		Observer: metrics.NewTransferObserver(nil, log, nil),
	}

	for {
		event, err := sess.Next(ctx)
		if err != nil {
			return err
		}

		switch event.Kind {
		case wire.TypeTransferControl:
			ctl := event.Control
			if ctl.Op == wire.ControlOffer && recv == nil {
				recv, err = openReceiver(cfg, store, ctl, outDir)
				if err != nil {
					return err
				}
				fmt.Printf("Receiving %q (%d bytes)\n", ctl.Name, ctl.Size)
				continue
			}
			if recv != nil {
				recv.HandleControl(ctl)
			}
		case wire.TypeChunkData:
			if recv == nil {
				continue
			}
			if err := recv.HandleChunk(event.Chunk); err != nil {
				log.Warn("chunk rejected", metrics.Fields{
					"index": event.Chunk.Index,
					"error": err.Error(),
				})
			}
			if recv.Done() {
				p := recv.Progress()
				fmt.Printf("Received %d bytes in %s.\n", p.BytesDone, p.Elapsed.Round(10*time.Millisecond))
				return nil
			}
		case wire.TypeChatText:
			fmt.Printf("peer: %s\n", event.Chat)
		}
	}
}

// openReceiver resumes a persisted job for the offered transfer when one
// exists, otherwise accepts it fresh.
func openReceiver(cfg transfer.ReceiverConfig, store *transfer.Store, offer *wire.TransferControl, outDir string) (*transfer.Receiver, error) {
	if job, err := store.Load(offer.TransferID); err == nil && !job.State.Terminal() {
		if r, err := transfer.ResumeReceiver(cfg, job); err == nil {
			return r, nil
		}
	}
	dest := filepath.Join(outDir, filepath.Base(offer.Name))
	return transfer.NewReceiver(cfg, offer, dest)
}
