package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tweekmonster/deoplete-server/pkg/server"
	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

const envServerOptions = "DEOPLETE_SERVER"

func main() {
	logLevel := 20

	root := &cobra.Command{
		Use:   "deoplete-worker",
		Short: "Reference pool worker",
		Long: strings.TrimSpace(`
Reference pool worker. When launched by the supervisor it speaks framed
messages on stdin/stdout and ships its logs as frames on stderr. Run from
a terminal it drops into a line-oriented console instead.
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := newServer(logLevelLogger(logLevel))

			opts, headless := serverOptions()
			if headless {
				return runHeadless(srv, logLevel, opts)
			}
			return runConsole(srv)
		},
	}

	root.Flags().IntVar(&logLevel, "log-level", logLevel, "numeric log level (10 debug .. 50 fatal)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serverOptions decodes DEOPLETE_SERVER. A present, well-formed value means
// a supervisor launched this process; anything else means a human did.
func serverOptions() (map[string]any, bool) {
	raw, ok := os.LookupEnv(envServerOptions)
	if !ok {
		return nil, false
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, false
	}
	return opts, true
}

func logLevelLogger(level int) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(server.LevelFromNo(level)).
		With().Timestamp().Logger()
}

func newServer(log zerolog.Logger) *server.Server {
	srv := server.New(log)
	srv.Handle("process", func(args []any) (any, error) {
		return "okay", nil
	})
	srv.Handle("echo", func(args []any) (any, error) {
		return args, nil
	})
	return srv
}

// runHeadless serves framed messages on stdin/stdout, logging through the
// framed stderr channel so the supervisor's relay can attribute events.
func runHeadless(srv *server.Server, logLevel int, opts map[string]any) error {
	diag := stream.NewWriter(os.Stderr)
	log := zerolog.New(server.NewLogWriter(diag)).Level(server.LevelFromNo(logLevel))

	srv.SetLogger(log)
	log.Debug().Interface("options", opts).Msg("worker starting")

	return srv.Run(stream.NewReader(os.Stdin), stream.NewWriter(os.Stdout))
}

// runConsole is the interactive fallback: one command per line, name first,
// remaining words as arguments.
func runConsole(srv *server.Server) error {
	fmt.Println("interactive mode; type a command name and arguments, or 'stop'")

	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			fmt.Println()
			return sc.Err()
		}

		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "stop" {
			return nil
		}

		args := make([]any, 0, len(fields)-1)
		for _, f := range fields[1:] {
			args = append(args, f)
		}

		result, err := srv.Dispatch(fields[0], args)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		out, _ := json.Marshal(result)
		fmt.Println(string(out))
	}
}
