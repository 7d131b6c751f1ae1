package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"rtindex/pkg/client"
	"rtindex/pkg/common"
	"rtindex/pkg/domain"
)

const Prompt = "rtindex> "

func main() {
	serverAddr := flag.String("addr", "localhost:9090", "rtindex TCP Server Address")
	flag.Parse()

	fmt.Printf("rtindex CLI (Target: %s)\n", *serverAddr)
	fmt.Println("Connecting...")

	cli, err := client.Dial(*serverAddr)
	if err != nil {
		fmt.Printf("Connection failed: %v\n", err)
		fmt.Println("Tip: Ensure the server is running (e.g. go run ./cmd/server).")
		return
	}
	defer cli.Close()
	fmt.Println("Connected! Type 'help' for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(Prompt)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		switch cmd {
		case "ingest", "put":
			handleIngest(cli, parts)
		case "query", "scan":
			handleQuery(cli, parts)
		case "box":
			handleBox(cli, parts)
		case "domains", "ls":
			handleDomains(cli)
		case "clean":
			handleClean(cli, parts)
		case "help":
			printHelp()
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		default:
			fmt.Printf("Unknown command: '%s'. Type 'help'.\n", cmd)
		}
	}
}

func parseInts(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", a)
		}
		out[i] = v
	}
	return out, nil
}

// parseWindow reads an optional trailing "<start> <end>" pair.
func parseWindow(args []string) (*domain.TimeDomain, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("time window needs <start_ms> <end_ms>")
	}
	vs, err := parseInts(args)
	if err != nil {
		return nil, err
	}
	w := domain.NewTimeDomain(vs[0], vs[1])
	return &w, nil
}

func handleIngest(cli *client.Client, parts []string) {
	if len(parts) < 3 {
		fmt.Println("Usage: ingest <key_int> <tuple_string>")
		return
	}

	key, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		fmt.Println("Error: Key must be an integer (e.g., 1001)")
		return
	}

	tuple := strings.Join(parts[2:], " ")

	start := time.Now()
	err = cli.Ingest(key, []byte(tuple), 0)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v\n", err)
	} else {
		fmt.Printf("OK (%v)\n", duration)
	}
}

func printTuples(tuples [][]byte, duration time.Duration) {
	fmt.Printf("Found %d tuples (%v):\n", len(tuples), duration)
	for i, tp := range tuples {
		if i >= 20 {
			fmt.Printf("... and %d more\n", len(tuples)-20)
			break
		}
		fmt.Printf("  %s\n", string(tp))
	}
}

func handleQuery(cli *client.Client, parts []string) {
	if len(parts) < 3 {
		fmt.Println("Usage: query <left> <right> [<start_ms> <end_ms>]")
		return
	}
	keys, err := parseInts(parts[1:3])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	window, err := parseWindow(parts[3:])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Querying range [%d, %d]...\n", keys[0], keys[1])
	start := time.Now()
	tuples, err := cli.Query(keys[0], keys[1], window)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printTuples(tuples, time.Since(start))
}

func handleBox(cli *client.Client, parts []string) {
	if len(parts) < 5 {
		fmt.Println("Usage: box <lon_low> <lon_high> <lat_low> <lat_high> [<start_ms> <end_ms>]")
		return
	}
	var box [4]float64
	for i := range box {
		v, err := strconv.ParseFloat(parts[i+1], 64)
		if err != nil {
			fmt.Printf("Error: %q is not a coordinate\n", parts[i+1])
			return
		}
		box[i] = v
	}
	window, err := parseWindow(parts[5:])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	start := time.Now()
	tuples, err := cli.QueryBox(box[0], box[1], box[2], box[3], window)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printTuples(tuples, time.Since(start))
}

func handleDomains(cli *client.Client) {
	infos, err := cli.Domains()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	for _, ti := range infos {
		state := "cold"
		if ti.Hot {
			state = "hot"
		}
		fmt.Printf("  %s %-4s %s tuples=%d bytes=%d\n", ti.TreeID, state, ti.Domain, ti.Tuples, ti.Bytes)
	}
	fmt.Printf("%d trees\n", len(infos))
}

func handleClean(cli *client.Client, parts []string) {
	if len(parts) < 5 {
		fmt.Println("Usage: clean <key_lower> <key_upper> <time_start> <time_end>")
		return
	}
	vs, err := parseInts(parts[1:5])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	d := domain.New(
		domain.NewKeyDomain(common.KeyType(vs[0]), common.KeyType(vs[1])),
		domain.NewTimeDomain(vs[2], vs[3]),
	)
	if err := cli.Clean(d); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func printHelp() {
	fmt.Println(`
Commands:
  ingest <key> <tuple>                   Index a tuple under key
  query <left> <right> [<start> <end>]   Range query (inclusive), optional time window in ms
  box <lon1> <lon2> <lat1> <lat2> [...]  Geo box query
  domains                                List domain trees
  clean <kl> <ku> <ts> <te>              Evict the tree with exactly this domain
  exit                                   Exit CLI
	`)
}
