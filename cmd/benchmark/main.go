// Benchmark tool for measuring LandWatch against labelled land records.
//
// Usage:
//
//	go run ./cmd/benchmark -data /path/to/records.jsonl -url http://localhost:8080
//
// Each input line is {"record": {...land record...}, "isFraud": true}. The
// tool optionally trains the tenant's model on a leading share of the data,
// posts every remaining record to /analyze, and reports the confusion
// matrix with precision, recall and F1.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// LabelledRecord is one input line.
type LabelledRecord struct {
	Record  json.RawMessage `json:"record"`
	IsFraud bool            `json:"isFraud"`
}

// AnalyzeResponse is the subset of the /analyze response the tool reads.
type AnalyzeResponse struct {
	VerdictID     string   `json:"verdictId"`
	RecordID      string   `json:"recordId"`
	Status        string   `json:"status"` // "PASS" or "ALERT"
	RiskScore     float64  `json:"riskScore"`
	RiskLevel     string   `json:"riskLevel"`
	FraudDetected bool     `json:"fraudDetected"`
	Reasons       []string `json:"reasons"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // fraud flagged
	FalsePositives int64 // clean record flagged
	TrueNegatives  int64 // clean record passed
	FalseNegatives int64 // fraud missed

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// Record adds one prediction to the confusion matrix.
func (m *Metrics) Record(predicted, actual bool) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Scores holds the derived detection metrics.
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

// Scores derives precision, recall, F1 and accuracy. Undefined ratios are 0.
func (m *Metrics) Scores() Scores {
	var s Scores
	if m.TruePositives+m.FalsePositives > 0 {
		s.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		s.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		s.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return s
}

func main() {
	dataPath := flag.String("data", "", "Path to a JSON lines file of labelled records")
	baseURL := flag.String("url", "http://localhost:8080", "LandWatch base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum records to read (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	trainShare := flag.Float64("train", 0, "Share of records used to train the model first (0-0.9)")
	verbose := flag.Bool("verbose", false, "Print each record result")
	flag.Parse()

	if *dataPath == "" {
		fmt.Println("Usage: benchmark -data /path/to/records.jsonl [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("===============================================================")
	fmt.Println("        LANDWATCH BENCHMARK - Land Record Fraud Detection")
	fmt.Println("===============================================================")
	fmt.Printf("\nData File:   %s\n", *dataPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Train Share: %.2f\n", *trainShare)
	fmt.Println()

	client := &http.Client{Timeout: 30 * time.Second}

	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: LandWatch not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure LandWatch is running:")
		fmt.Println("  go run ./cmd/landwatch")
		os.Exit(1)
	}
	fmt.Println("OK  LandWatch is healthy")

	file, err := os.Open(*dataPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	records, skipped, err := readRecords(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read data: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("ERROR: no records in data file")
		os.Exit(1)
	}
	fmt.Printf("OK  Loaded %d records (%d malformed lines skipped)\n", len(records), skipped)

	train, test := split(records, *trainShare)
	if len(train) > 0 {
		fmt.Printf("\nTraining model on %d records...\n", len(train))
		version, err := trainModel(client, *baseURL, *tenantID, train)
		if err != nil {
			fmt.Printf("ERROR: training failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("OK  Model %s trained\n", version)
	}

	fraudCount := 0
	for _, r := range test {
		if r.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(test)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(test)-fraudCount, 100*float64(len(test)-fraudCount)/float64(len(test)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(client, test, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readRecords parses JSON lines, skipping blank and malformed lines.
func readRecords(f *os.File, limit int) ([]LabelledRecord, int, error) {
	var records []LabelledRecord
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r LabelledRecord
		if err := json.Unmarshal(line, &r); err != nil || len(r.Record) == 0 {
			skipped++
			continue
		}
		records = append(records, r)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, skipped, scanner.Err()
}

// split keeps the leading share of records for training.
func split(records []LabelledRecord, share float64) (train, test []LabelledRecord) {
	if share <= 0 {
		return nil, records
	}
	if share > 0.9 {
		share = 0.9
	}
	n := int(float64(len(records)) * share)
	return records[:n], records[n:]
}

func trainModel(client *http.Client, baseURL, tenantID string, records []LabelledRecord) (string, error) {
	req := struct {
		Records []json.RawMessage `json:"records"`
		Labels  []bool            `json:"labels"`
	}{}
	for _, r := range records {
		req.Records = append(req.Records, r.Record)
		req.Labels = append(req.Labels, r.IsFraud)
	}

	var info struct {
		Version string `json:"version"`
	}
	if err := postJSON(client, baseURL+"/model/train", tenantID, req, http.StatusCreated, &info); err != nil {
		return "", err
	}
	return info.Version, nil
}

func runBenchmark(client *http.Client, records []LabelledRecord, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabelledRecord, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range work {
				start := time.Now()
				var result AnalyzeResponse
				err := postJSON(client, baseURL+"/analyze", tenantID, r.Record, http.StatusOK, &result)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}

				metrics.Record(result.FraudDetected, r.IsFraud)

				if verbose {
					mark := "ok "
					if result.FraudDetected != r.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%s %-20s | Fraud: %-5v | Verdict: %-5s (%.1f, %s)\n",
						mark, result.RecordID, r.IsFraud, result.Status, result.RiskScore, result.RiskLevel)
				}
			}
		}()
	}

	for _, r := range records {
		work <- r
	}
	close(work)
	wg.Wait()

	return metrics
}

func postJSON(client *http.Client, url, tenantID string, body any, wantStatus int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n===============================================================")
	fmt.Println("                      BENCHMARK RESULTS")
	fmt.Println("===============================================================")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   ALERT       PASS")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	s := m.Scores()
	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", s.Precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many were caught)\n", s.Recall)
	fmt.Printf("   F1-Score:   %.4f\n", s.F1)
	fmt.Printf("   Accuracy:   %.4f\n", s.Accuracy)

	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms: %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f records/sec\n", rps)
	}
	fmt.Println()
}
