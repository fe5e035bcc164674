// Command sqlwire is the driver's command line front end.
//
// Subcommands:
//
//	split      parse SQL text and print its fragments
//	translate  print SQL with escape sequences rewritten
//	run        execute SQL against a backend and print the results
//	batch      execute one statement per input line as a batch
//	schedule   run recurring jobs from a YAML config
//
// The run, batch, and schedule subcommands take -dsn (sqlite:PATH or
// relay://ADDR); schedule reads its jobs from a YAML file.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	sqlwire "github.com/sqlwire/sqlwire"
	"github.com/sqlwire/sqlwire/internal/schedule"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "split":
		err = runSplit(os.Args[2:])
	case "translate":
		err = runTranslate(os.Args[2:])
	case "run":
		err = runRun(os.Args[2:])
	case "batch":
		err = runBatch(os.Args[2:])
	case "schedule":
		err = runSchedule(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	exitIfErr(err)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sqlwire <split|translate|run|batch|schedule> [flags]")
}

func exitIfErr(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "sqlwire:", err)
	os.Exit(1)
}

// runSplit parses SQL from the argument or stdin and prints one fragment per
// line, JSON when requested.
func runSplit(args []string) error {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Print fragments as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := inputText(fs.Args())
	if err != nil {
		return err
	}
	cmd, err := sqlwire.Split(text)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cmd)
	}
	for i, frag := range cmd {
		fmt.Printf("-- fragment %d (params=%d, query=%v)\n%s\n", i, frag.ParamCount, frag.IsQuery, frag.Text)
	}
	return nil
}

// runTranslate prints the input with escape sequences rewritten, one
// statement per line.
func runTranslate(args []string) error {
	fs := flag.NewFlagSet("translate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := inputText(fs.Args())
	if err != nil {
		return err
	}
	cmd, err := sqlwire.Split(text)
	if err != nil {
		return err
	}
	for _, frag := range cmd {
		if frag.Text == "" {
			continue
		}
		fmt.Printf("%s;\n", frag.Text)
	}
	return nil
}

// runRun executes SQL once and prints all results.
func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dsn := fs.String("dsn", "sqlite::memory:", "Backend DSN (sqlite:PATH or relay://ADDR)")
	timeout := fs.Duration("timeout", 0, "Query timeout (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := inputText(fs.Args())
	if err != nil {
		return err
	}
	conn, err := sqlwire.Open(*dsn, sqlwire.Config{})
	if err != nil {
		return err
	}
	defer conn.Close()

	stmt, err := conn.Prepare(text)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if *timeout > 0 {
		if err := stmt.SetQueryTimeout(*timeout); err != nil {
			return err
		}
	}
	out, err := stmt.Execute(context.Background())
	if err != nil {
		return err
	}
	for _, res := range out.Results {
		printResponse(res)
	}
	for w := stmt.Warnings(); w != nil; w = w.Next() {
		fmt.Fprintln(os.Stderr, "warning:", w.Message)
	}
	return nil
}

func printResponse(res sqlwire.Response) {
	if res.Rows != nil {
		fmt.Println(strings.Join(res.Rows.Columns, "\t"))
		for _, row := range res.Rows.Data {
			parts := make([]string, len(row))
			for i, v := range row {
				parts[i] = fmt.Sprint(v)
			}
			fmt.Println(strings.Join(parts, "\t"))
		}
		return
	}
	fmt.Printf("rows affected: %d\n", res.RowsAffected)
}

// runBatch reads one statement per line and executes them as a batch.
func runBatch(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	dsn := fs.String("dsn", "sqlite::memory:", "Backend DSN (sqlite:PATH or relay://ADDR)")
	rewrite := fs.Bool("rewrite-inserts", false, "Fold compatible INSERT statements into one round trip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	conn, err := sqlwire.Open(*dsn, sqlwire.Config{RewriteBatchedInserts: *rewrite})
	if err != nil {
		return err
	}
	defer conn.Close()

	stmt, err := conn.Prepare("")
	if err != nil {
		return err
	}
	defer stmt.Close()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if err := stmt.AddBatch(line); err != nil {
			return fmt.Errorf("line %d: %w", n+1, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	counts, err := stmt.ExecuteLargeBatch(context.Background())
	for i, c := range counts {
		if c == sqlwire.SuccessNoInfo {
			fmt.Printf("entry %d: ok\n", i)
			continue
		}
		fmt.Printf("entry %d: %d rows\n", i, c)
	}
	return err
}

// scheduleConfig is the YAML layout of the schedule subcommand.
type scheduleConfig struct {
	DSN  string `yaml:"dsn"`
	Jobs []struct {
		Name       string        `yaml:"name"`
		SQL        string        `yaml:"sql"`
		Cron       string        `yaml:"cron"`
		Interval   time.Duration `yaml:"interval"`
		NoOverlap  bool          `yaml:"no_overlap"`
		MaxRuntime time.Duration `yaml:"max_runtime"`
		Timezone   string        `yaml:"timezone"`
	} `yaml:"jobs"`
}

// runSchedule fires recurring jobs until interrupted.
func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	configPath := fs.String("config", "sqlwire.yaml", "Path to the jobs config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, err := os.ReadFile(*configPath)
	if err != nil {
		return err
	}
	var cfg scheduleConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", *configPath, err)
	}
	if cfg.DSN == "" {
		cfg.DSN = "sqlite::memory:"
	}
	conn, err := sqlwire.Open(cfg.DSN, sqlwire.Config{})
	if err != nil {
		return err
	}
	defer conn.Close()

	sched := schedule.New(conn)
	for _, j := range cfg.Jobs {
		job := schedule.Job{
			Name:       j.Name,
			SQL:        j.SQL,
			CronExpr:   j.Cron,
			Interval:   j.Interval,
			NoOverlap:  j.NoOverlap,
			MaxRuntime: j.MaxRuntime,
			Timezone:   j.Timezone,
		}
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}

// inputText takes SQL from the remaining arguments or, when absent, stdin.
func inputText(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
