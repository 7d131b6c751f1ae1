package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"rtindex/pkg/protocol"
)

func main() {
	httpAddr := flag.String("http", "http://localhost:8080", "HTTP API base URL")
	tcpAddr := flag.String("tcp", "localhost:9090", "TCP server address")
	nReq := flag.Int("n", 5000, "Number of requests per run")
	flag.Parse()

	fmt.Printf("rtindex Ingest Benchmark (N=%d)\n", *nReq)
	fmt.Printf("  HTTP=%s  TCP=%s\n", *httpAddr, *tcpAddr)
	fmt.Println("---------------------------------------------------")

	fmt.Println(">> Starting HTTP Benchmark (JSON over HTTP 1.1)...")
	httpDuration := runHTTPBenchmark(*httpAddr, *nReq)
	fmt.Printf("   HTTP Time: %v | QPS: %.0f\n\n", httpDuration, float64(*nReq)/httpDuration.Seconds())

	fmt.Println(">> Starting TCP Benchmark (Binary Protocol)...")
	tcpDuration := runTCPBenchmark(*tcpAddr, *nReq)
	fmt.Printf("   TCP  Time: %v | QPS: %.0f\n", tcpDuration, float64(*nReq)/tcpDuration.Seconds())

	fmt.Println(">> Range query over everything just ingested (TCP)...")
	queryDuration, count := runTCPQuery(*tcpAddr, int64(*nReq))
	fmt.Printf("   %d tuples in %v\n", count, queryDuration)

	fmt.Println("---------------------------------------------------")
	speedup := httpDuration.Seconds() / tcpDuration.Seconds()
	fmt.Printf("Conclusion: TCP ingest is %.2fx faster than HTTP\n", speedup)
}

func runHTTPBenchmark(httpAddr string, n int) time.Duration {
	start := time.Now()
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
		},
	}

	for i := 0; i < n; i++ {
		data := map[string]interface{}{
			"key":   i,
			"tuple": "bench_data",
		}
		jsonData, _ := json.Marshal(data)

		resp, err := client.Post(httpAddr+"/api/ingest", "application/json", bytes.NewReader(jsonData))
		if err != nil {
			log.Fatalf("HTTP Req failed: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return time.Since(start)
}

func runTCPBenchmark(addr string, n int) time.Duration {
	start := time.Now()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("TCP Connect failed: %v", err)
	}
	defer conn.Close()

	val := []byte("bench_data")
	for i := 0; i < n; i++ {
		if err := protocol.Encode(conn, protocol.OpIngest, protocol.PutInt64s(int64(i)), val); err != nil {
			log.Fatalf("TCP Write failed: %v", err)
		}
		if _, err := protocol.Decode(conn); err != nil {
			log.Fatalf("TCP Read failed: %v", err)
		}
	}

	return time.Since(start)
}

func runTCPQuery(addr string, n int64) (time.Duration, int) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("TCP Connect failed: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := protocol.Encode(conn, protocol.OpQuery, protocol.PutInt64s(0, n-1), nil); err != nil {
		log.Fatalf("TCP Write failed: %v", err)
	}
	pkg, err := protocol.Decode(conn)
	if err != nil {
		log.Fatalf("TCP Read failed: %v", err)
	}
	if pkg.Op != protocol.RespVal {
		log.Fatalf("Query failed: %s", pkg.Value)
	}
	tuples, err := protocol.DecodeTuples(pkg.Value)
	if err != nil {
		log.Fatalf("Decode failed: %v", err)
	}
	return time.Since(start), len(tuples)
}
