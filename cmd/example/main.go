package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"rtindex/pkg/client"
	"rtindex/pkg/common"
	"rtindex/pkg/domain"
)

// taxi is one simulated vehicle drifting around the city.
type taxi struct {
	id       uint32
	lon, lat float64
}

func (t *taxi) step(r *rand.Rand, city *common.City) {
	t.lon = clamp(t.lon+(r.Float64()-0.5)*0.004, city.X1, city.X2)
	t.lat = clamp(t.lat+(r.Float64()-0.5)*0.004, city.Y1, city.Y2)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// [taxi id 4B][ts 8B][lon 8B][lat 8B]
func encodePoint(id uint32, ts int64, lon, lat float64) []byte {
	b := make([]byte, 28)
	binary.BigEndian.PutUint32(b[0:4], id)
	binary.BigEndian.PutUint64(b[4:12], uint64(ts))
	binary.BigEndian.PutUint64(b[12:20], math.Float64bits(lon))
	binary.BigEndian.PutUint64(b[20:28], math.Float64bits(lat))
	return b
}

func main() {
	addr := flag.String("addr", "localhost:9090", "rtindex TCP server address")
	taxis := flag.Int("taxis", 200, "Number of simulated taxis")
	rounds := flag.Int("rounds", 50, "Position updates per taxi")
	window := flag.Duration("window", 30*time.Second, "Query window size")
	flag.Parse()

	city, err := common.NewCity(116.0, 117.0, 39.6, 40.6, 128)
	if err != nil {
		log.Fatalf("city: %v", err)
	}

	fmt.Println("Connecting to rtindex...")
	cli, err := client.Dial(*addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer cli.Close()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	fleet := make([]*taxi, *taxis)
	for i := range fleet {
		fleet[i] = &taxi{
			id:  uint32(i),
			lon: 116.3 + r.Float64()*0.2,
			lat: 39.8 + r.Float64()*0.2,
		}
	}

	start := time.Now()
	sent := 0
	for round := 0; round < *rounds; round++ {
		for _, t := range fleet {
			t.step(r, city)
			now := time.Now().UnixMilli()
			key := city.ZCode(t.lon, t.lat)
			if err := cli.Ingest(int64(key), encodePoint(t.id, now, t.lon, t.lat), now); err != nil {
				log.Fatalf("Ingest failed: %v", err)
			}
			sent++
		}

		if round%10 == 9 {
			now := time.Now()
			w := domain.NewTimeDomain(now.Add(-*window).UnixMilli(), now.UnixMilli())
			qStart := time.Now()
			tuples, err := cli.QueryBox(116.35, 116.45, 39.85, 39.95, &w)
			if err != nil {
				log.Fatalf("Query failed: %v", err)
			}
			fmt.Printf("round %d: %d points in the centre box over the last %v (%v)\n",
				round+1, len(tuples), *window, time.Since(qStart))
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("Ingested %d points in %v (%.0f/s)\n", sent, elapsed, float64(sent)/elapsed.Seconds())

	infos, err := cli.Domains()
	if err != nil {
		log.Fatalf("Domains failed: %v", err)
	}
	fmt.Printf("Server holds %d domain trees\n", len(infos))
}
