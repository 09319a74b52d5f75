package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	addr        string
	concurrency int
	requests    int
	keys        int
	lease       float64
	mode        string
	payload     int
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "warplock-bench",
		Short:        "Drive LOCK/UNLOCK or PUBLISH load against a warplockd server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.concurrency < 1 || opts.requests < 1 || opts.keys < 1 {
				return fmt.Errorf("concurrency, requests and keys must be positive")
			}
			switch opts.mode {
			case "lock", "publish":
			default:
				return fmt.Errorf("unknown mode %q (expected lock or publish)", opts.mode)
			}
			res, err := bench(cmd.Context(), opts)
			if err != nil {
				return err
			}
			res.print(cmd.OutOrStdout())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:6388", "server address")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 50, "number of concurrent clients")
	f.IntVarP(&opts.requests, "requests", "n", 100000, "total number of commands")
	f.IntVarP(&opts.keys, "keys", "k", 16, "number of distinct keys")
	f.Float64Var(&opts.lease, "lease", 1, "lease in seconds for lock mode")
	f.StringVarP(&opts.mode, "mode", "m", "lock", "lock or publish")
	f.IntVarP(&opts.payload, "data", "d", 16, "publish payload size in bytes")
	return cmd
}

type result struct {
	ops       int64
	errors    int64
	retries   int64
	elapsed   time.Duration
	latencies []time.Duration
}

func (r result) print(w io.Writer) {
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	pct := func(p float64) time.Duration {
		if len(r.latencies) == 0 {
			return 0
		}
		return r.latencies[int(float64(len(r.latencies)-1)*p)]
	}
	fmt.Fprintf(w, "Finished %d commands in %v\n", r.ops, r.elapsed)
	fmt.Fprintf(w, "Throughput: %.2f cmd/s\n", float64(r.ops)/r.elapsed.Seconds())
	fmt.Fprintf(w, "Latency p50=%v p99=%v max=%v\n", pct(0.50), pct(0.99), pct(1))
	if r.retries > 0 {
		fmt.Fprintf(w, "RETRY_LATER: %d\n", r.retries)
	}
	if r.errors > 0 {
		fmt.Fprintf(w, "Errors: %d\n", r.errors)
	}
}

func bench(ctx context.Context, opts options) (result, error) {
	var res result
	var ops, errs, retries atomic.Int64
	lat := make([][]time.Duration, opts.concurrency)
	perWorker := opts.requests / opts.concurrency
	payload := strings.Repeat("x", opts.payload)
	lease := strconv.FormatFloat(opts.lease, 'f', -1, 64)

	// publish mode needs a subscriber per key so channels exist
	if opts.mode == "publish" {
		sub, err := net.Dial("tcp", opts.addr)
		if err != nil {
			return res, err
		}
		defer sub.Close()
		keys := make([]string, opts.keys)
		for i := range keys {
			keys[i] = "bench:" + strconv.Itoa(i)
		}
		if _, err := sub.Write([]byte("SUBSCRIBE " + strings.Join(keys, " ") + "\r\n")); err != nil {
			return res, err
		}
		srd := bufio.NewReader(sub)
		for {
			line, err := srd.ReadString('\n')
			if err != nil {
				return res, err
			}
			if line == "END\r\n" {
				break
			}
		}
		go drain(srd)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.concurrency; w++ {
		w := w
		g.Go(func() error {
			nc, err := net.Dial("tcp", opts.addr)
			if err != nil {
				return err
			}
			defer nc.Close()
			rd := bufio.NewReader(nc)
			lat[w] = make([]time.Duration, 0, perWorker)

			for i := 0; i < perWorker; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				key := "bench:" + strconv.Itoa((w+i)%opts.keys)
				var cmds []string
				if opts.mode == "lock" {
					cmds = []string{"LOCK " + key + " " + lease, "UNLOCK " + key}
				} else {
					cmds = []string{"PUBLISH " + key + " " + payload}
				}
				for _, c := range cmds {
					t0 := time.Now()
					if _, err := nc.Write([]byte(c + "\r\n")); err != nil {
						return err
					}
					resp, err := readReply(rd)
					if err != nil {
						return err
					}
					lat[w] = append(lat[w], time.Since(t0))
					ops.Add(1)
					switch {
					case strings.HasPrefix(resp, "RETRY_LATER"):
						retries.Add(1)
					case resp == "OK", resp == "OWNED", resp == "SUCCESS", resp == "PUBLISHED", resp == "NOT_OWNED":
					default:
						errs.Add(1)
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	res.ops, res.errors, res.retries = ops.Load(), errs.Load(), retries.Load()
	for _, l := range lat {
		res.latencies = append(res.latencies, l...)
	}
	return res, err
}

// readReply reads one reply line, skipping out-of-band UNLOCKED
// notifications the bench client may receive while queued.
func readReply(rd *bufio.Reader) (string, error) {
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "UNLOCKED ") {
			continue
		}
		return line, nil
	}
}

func drain(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}
