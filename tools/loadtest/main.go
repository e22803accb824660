package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/protocol"
)

var (
	host        = flag.String("host", "localhost", "Target host")
	port        = flag.Int("port", 8080, "Target client port")
	connections = flag.Int("connections", 100, "Number of concurrent connections")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	rate        = flag.Float64("rate", 10.0, "Requests per second per connection")
	commandID   = flag.Uint("command", 2001, "Command ID sent by every client")
	messageSize = flag.Int("message-size", 8, "Request body size in bytes")
	timeout     = flag.Duration("timeout", 5*time.Second, "Connection and response timeout")
	backendAddr = flag.String("backend", "", "Registration address; when set, a fake backend announces itself there and echoes every request")
	announce    = flag.Uint("announce", 9002, "Announce command used by the fake backend")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	TotalMessages    int64
	SuccessfulMsgs   int64
	FailedMsgs       int64
	TotalBytes       int64
	MinLatency       time.Duration
	MaxLatency       time.Duration
	TotalLatency     time.Duration
	LatencyCount     int64
	ConnErrors       int64
	ReadErrors       int64
	WriteErrors      int64
}

var stats Stats

func main() {
	flag.Parse()

	fmt.Printf("=== Relay Gateway Load Test ===\n")
	fmt.Printf("Target: %s:%d\n", *host, *port)
	fmt.Printf("Connections: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f req/s per connection\n", *rate)
	fmt.Printf("Command: %d\n", *commandID)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	if *backendAddr != "" {
		if err := startBackend(ctx, *backendAddr, uint32(*announce)); err != nil {
			fmt.Printf("Backend registration failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Fake backend registered at %s\n\n", *backendAddr)
	}

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	// Start load test
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, *connections)

	startTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			goto done
		default:
			select {
			case semaphore <- struct{}{}:
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-semaphore }()
					runConnection(ctx, uint32(atomic.AddInt64(&stats.TotalConnections, 1)))
				}()
			default:
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

done:
	wg.Wait()
	elapsed := time.Since(startTime)

	// Final report
	<-statsDone
	printFinalReport(elapsed)
}

// startBackend registers as a backend service and answers every request
// with a single frame echoing its command and subject
func startBackend(ctx context.Context, addr string, announce uint32) error {
	conn, err := net.DialTimeout("tcp", addr, *timeout)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, protocol.NewFrame(announce, 0, 0, nil)); err != nil {
		conn.Close()
		return err
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer conn.Close()
		decoder := protocol.NewDecoder(0)
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			frames, _ := decoder.Decode(buf[:n])
			for _, f := range frames {
				if f.CommandID == announce {
					continue
				}
				if werr := protocol.WriteFrame(conn, protocol.NewFrame(f.CommandID, f.SubjectID, 0, f.Body)); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

func runConnection(ctx context.Context, subject uint32) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", *host, *port), *timeout)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			fmt.Printf("Connection failed: %v\n", err)
		}
		return
	}
	defer conn.Close()

	atomic.AddInt64(&stats.SuccessfulConns, 1)

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	decoder := protocol.NewDecoder(0)
	body := make([]byte, *messageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendRequest(conn, decoder, subject, body); err != nil {
				if *verbose {
					fmt.Printf("Request failed: %v\n", err)
				}
				return
			}
		}
	}
}

// sendRequest writes one frame and waits for the first response frame
func sendRequest(conn net.Conn, decoder *protocol.Decoder, subject uint32, body []byte) error {
	start := time.Now()

	req := protocol.Encode(protocol.NewFrame(uint32(*commandID), subject, 0, body))
	if _, err := conn.Write(req); err != nil {
		atomic.AddInt64(&stats.WriteErrors, 1)
		atomic.AddInt64(&stats.FailedMsgs, 1)
		return err
	}

	atomic.AddInt64(&stats.TotalMessages, 1)
	atomic.AddInt64(&stats.TotalBytes, int64(len(req)))

	resp, err := readFrame(conn, decoder)
	if err != nil {
		atomic.AddInt64(&stats.FailedMsgs, 1)
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			atomic.AddInt64(&stats.ReadErrors, 1)
			return err
		}
		return nil
	}
	atomic.AddInt64(&stats.TotalBytes, int64(resp.Len()))
	if resp.Status != 0 {
		// Synthesized error frame: the backend was unavailable
		atomic.AddInt64(&stats.FailedMsgs, 1)
		return nil
	}

	latency := time.Since(start)
	atomic.AddInt64(&stats.SuccessfulMsgs, 1)
	atomic.AddInt64(&stats.LatencyCount, 1)
	recordLatency(latency)
	return nil
}

func readFrame(conn net.Conn, decoder *protocol.Decoder) (protocol.Frame, error) {
	conn.SetReadDeadline(time.Now().Add(*timeout))
	buf := make([]byte, 4096)
	for {
		if f, ok, err := decoder.Next(); err != nil {
			return protocol.Frame{}, err
		} else if ok {
			return f, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			continue
		}
		if err != nil {
			return protocol.Frame{}, err
		}
	}
}

func recordLatency(latency time.Duration) {
	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin != 0 && latency >= time.Duration(oldMin) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency <= time.Duration(oldMax) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
			break
		}
	}

	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)

	fmt.Printf("\r[Stats] Conns: %d/%d (failed: %d) | Msgs: %d (failed: %d) | Bytes: %d",
		successConns, totalConns, failedConns, successMsgs, failedMsgs, totalBytes)
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)
	latencyCount := atomic.LoadInt64(&stats.LatencyCount)
	totalMsgs := atomic.LoadInt64(&stats.TotalMessages)

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	fmt.Printf("Successful: %d (%.2f%%)\n", successConns, float64(successConns)/float64(totalConns)*100)
	fmt.Printf("Failed: %d (%.2f%%)\n", failedConns, float64(failedConns)/float64(totalConns)*100)

	fmt.Printf("\n--- Messages ---\n")
	fmt.Printf("Total: %d\n", totalMsgs)
	fmt.Printf("Successful: %d (%.2f%%)\n", successMsgs, float64(successMsgs)/float64(totalMsgs)*100)
	fmt.Printf("Failed: %d (%.2f%%)\n", failedMsgs, float64(failedMsgs)/float64(totalMsgs)*100)
	fmt.Printf("Throughput: %.2f msg/s\n", float64(successMsgs)/elapsed.Seconds())

	fmt.Printf("\n--- Latency ---\n")
	if latencyCount > 0 {
		minLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency)))
		maxLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency)))
		avgLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency)) / latencyCount)

		fmt.Printf("Min: %v\n", minLatency)
		fmt.Printf("Max: %v\n", maxLatency)
		fmt.Printf("Avg: %v\n", avgLatency)
	}

	fmt.Printf("\n--- Throughput ---\n")
	fmt.Printf("Total Bytes: %d (%.2f MB)\n", totalBytes, float64(totalBytes)/1024/1024)
	fmt.Printf("Throughput: %.2f MB/s\n", float64(totalBytes)/1024/1024/elapsed.Seconds())

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Connection Errors: %d\n", atomic.LoadInt64(&stats.ConnErrors))
	fmt.Printf("Read Errors: %d\n", atomic.LoadInt64(&stats.ReadErrors))
	fmt.Printf("Write Errors: %d\n", atomic.LoadInt64(&stats.WriteErrors))

	// Exit code
	if failedConns > totalConns/10 || failedMsgs > totalMsgs/10 {
		fmt.Printf("\nTest failed: too many errors\n")
		os.Exit(1)
	} else {
		fmt.Printf("\nTest completed successfully\n")
		os.Exit(0)
	}
}
