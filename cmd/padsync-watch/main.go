// padsync-watch connects to a padsync server, opens a pad and prints every
// event it receives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/padsync/server/internal/client"
	"github.com/padsync/server/internal/geo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "padsync-watch",
		Short:         "Print the live event stream of a pad",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), cmd)
		},
	}

	flags := cmd.Flags()
	flags.String("url", "ws://127.0.0.1:8080/ws", "websocket endpoint of the server")
	flags.String("token", "", "server auth token")
	flags.String("pad", "demo", "read or write id of the pad to open")
	flags.String("bbox", "", "viewport as top,left,bottom,right,zoom")
	flags.Duration("timeout", 10*time.Second, "timeout for connecting and each request")
	flags.BoolP("verbose", "v", false, "log client diagnostics")

	for _, name := range []string{"url", "token", "pad", "bbox", "timeout", "verbose"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("PADSYNC")
	viper.AutomaticEnv()
	return cmd
}

func watch(ctx context.Context, cmd *cobra.Command) error {
	logger := zap.NewNop()
	if viper.GetBool("verbose") {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
		defer func() { _ = logger.Sync() }()
	}

	var box *geo.BoundingBox
	if s := viper.GetString("bbox"); s != "" {
		b, err := parseBbox(s)
		if err != nil {
			return err
		}
		box = &b
	}

	timeout := viper.GetDuration("timeout")
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	c, err := client.Dial(dialCtx, viper.GetString("url"), viper.GetString("token"), logger)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	request := func(fn func(context.Context) error) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	}
	if box != nil {
		if err := request(func(ctx context.Context) error { return c.UpdateBbox(ctx, *box) }); err != nil {
			return fmt.Errorf("updateBbox: %w", err)
		}
	}
	if err := request(func(ctx context.Context) error { return c.SetPadID(ctx, viper.GetString("pad")) }); err != nil {
		return fmt.Errorf("setPadId: %w", err)
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-c.Events():
			if !ok {
				if err := c.Err(); err != nil {
					return fmt.Errorf("connection closed: %w", err)
				}
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", f.Event, f.Data)
		}
	}
}

// parseBbox reads "top,left,bottom,right,zoom".
func parseBbox(s string) (geo.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return geo.BoundingBox{}, fmt.Errorf("bbox %q: want top,left,bottom,right,zoom", s)
	}
	var nums [4]float64
	for i := 0; i < 4; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return geo.BoundingBox{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		nums[i] = f
	}
	zoom, err := strconv.Atoi(strings.TrimSpace(parts[4]))
	if err != nil {
		return geo.BoundingBox{}, fmt.Errorf("bbox %q: %w", s, err)
	}
	b := geo.BoundingBox{Top: nums[0], Left: nums[1], Bottom: nums[2], Right: nums[3], Zoom: zoom}
	if err := b.Validate(); err != nil {
		return geo.BoundingBox{}, fmt.Errorf("bbox %q: %w", s, err)
	}
	return b, nil
}
