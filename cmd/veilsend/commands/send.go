package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/veilsend/veilsend/pkg/ipc"
	"github.com/veilsend/veilsend/pkg/metrics"
	"github.com/veilsend/veilsend/pkg/pool"
	"github.com/veilsend/veilsend/pkg/session"
	"github.com/veilsend/veilsend/pkg/transfer"
	"github.com/veilsend/veilsend/pkg/wire"
)

func sendCmd() *cobra.Command {
	var (
		addr      string
		rateLimit int
	)
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return err
			}

			id, err := loadIdentity()
			if err != nil {
				return err
			}
			defer id.Zeroize()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			sess, err := session.Initiate(ctx, conn, session.Config{
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

			// The command is the host side; the core serves transfer
			// requests on the other end of an in-process router pair.
			hostEnd, coreEnd := ipc.Pipe()
			defer hostEnd.Close()
			defer coreEnd.Close()
			hostRouter := ipc.NewRouter(hostEnd, ipc.WithLogger(log))
			coreRouter := ipc.NewRouter(coreEnd, ipc.WithLogger(log))
			defer hostRouter.Close()
			defer coreRouter.Close()

			var (
				sendMu sync.Mutex
				sender *transfer.Sender
			)
			svc := &ipc.TransferService{
				Open: func(req *ipc.SendFileRequest, notify func(transfer.Event)) (*transfer.Sender, error) {
					cfg := transfer.SenderConfig{
						Link:     sess,
						Executor: exec,
						Store:    store,
						Observer: metrics.NewTransferObserver(nil, log, nil),
						Notify:   notify,
					}
					if rateLimit > 0 {
						cfg.Limiter = rate.NewLimiter(rate.Limit(rateLimit), rateLimit)
					}
					s, err := transfer.ResumeOrNewSender(cfg, req.Path, req.Name)
					if err != nil {
						return nil, err
					}
					sendMu.Lock()
					sender = s
					sendMu.Unlock()
					return s, nil
				},
			}
			svc.Register(coreRouter)

			// Pump inbound session events to the active sender while the
			// core runs it.
			pumpCtx, cancelPump := context.WithCancel(ctx)
			defer cancelPump()
			go func() {
				for {
					event, err := sess.Next(pumpCtx)
					if err != nil {
						return
					}
					sendMu.Lock()
					s := sender
					sendMu.Unlock()
					switch event.Kind {
					case wire.TypeChunkAck:
						if s != nil {
							s.HandleAck(event.Ack)
						}
					case wire.TypeTransferControl:
						if s != nil {
							s.HandleControl(event.Control)
						}
					case wire.TypeChatText:
						fmt.Printf("peer: %s\n", event.Chat)
					}
				}
			}()

			res, err := ipc.SendFile(ctx, hostRouter, &ipc.SendFileRequest{
				Path: path,
				Name: filepath.Base(path),
			}, func(p *ipc.TransferProgress) {
				fmt.Printf("\r%6.2f%%  %11.0f B/s", p.Percent, p.Throughput)
			})
			if err != nil {
				fmt.Println()
				return err
			}
			fmt.Printf("\nSent %d bytes (transfer %x).\n", res.Bytes, res.TransferID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "peer address host:port")
	cmd.Flags().IntVar(&rateLimit, "rate", 0, "bandwidth cap in bytes/sec (0 = unlimited)")
	cmd.MarkFlagRequired("addr")
	return cmd
}
