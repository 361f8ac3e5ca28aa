// Command example drives the portalcrypt client against a portal backend,
// encrypting generated patient updates and decrypting the echoed responses.
// With no --url it starts an in-process test backend, so the full handshake
// and both encryption modes can be exercised without a deployed portal.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"sync"
	"time"

	"github.com/godaddy/asherah/go/securememory"
	smlog "github.com/godaddy/asherah/go/securememory/log"
	"github.com/jessevdk/go-flags"
	"github.com/logrusorgru/aurora"
	"github.com/rcrowley/go-metrics"

	"github.com/caresphere/portalcrypt"
	pclog "github.com/caresphere/portalcrypt/pkg/log"
	"github.com/caresphere/portalcrypt/pkg/persistence"
	"github.com/caresphere/portalcrypt/pkg/portalapi"
	"github.com/caresphere/portalcrypt/pkg/servertest"
)

const schemaPatientUpdate = "patient-update"

var patientFields = []string{"ssn", "insurance.memberId"}

type Options struct {
	Count            int           `short:"c" long:"count" default:"100" description:"Number of request/response round trips per worker."`
	Workers          int           `short:"s" long:"workers" default:"5" description:"Number of workers running round trips concurrently."`
	Duration         time.Duration `short:"d" long:"duration" description:"Time to run for. If not provided, each worker runs count round trips then exits."`
	Full             bool          `short:"f" long:"full" description:"Use full-payload encryption instead of the field schema."`
	Results          bool          `short:"r" long:"results" description:"Prints the plaintext, wire, and decrypted forms of each round trip."`
	Metrics          bool          `short:"m" long:"metrics" description:"Dumps metrics to stdout in JSON format."`
	Verbose          bool          `short:"v" long:"verbose" description:"Enables verbose output."`
	ShowAll          bool          `short:"a" long:"all" description:"Print all metrics even if they were not executed."`
	NoSigning        bool          `long:"no-signing" description:"Disables the HMAC signature header."`
	ServerURL        string        `long:"url" description:"Portal backend base URL. If not provided, an in-process test backend is started."`
	Salt             string        `long:"salt" description:"Base64 deployment salt. Required with --url."`
	StateDir         string        `long:"state-dir" description:"Directory for the file-backed client state store."`
	ConnectionString string        `short:"C" long:"conn" description:"MySQL connection string for the SQL-backed client state store."`
	Profile          string        `long:"profile" default:"example" description:"State profile name, used with the SQL store."`
}

var (
	opts         Options
	encryptTimer = metrics.NewTimer()
	decryptTimer = metrics.NewTimer()
)

type loggerFunc func(format string, v ...interface{})

func (f loggerFunc) Debugf(format string, v ...interface{}) {
	f(format, v...)
}

func (f loggerFunc) Warnf(format string, v ...interface{}) {
	f("WARN "+format, v...)
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}

		panic(err)
	}

	if opts.Verbose {
		smlog.SetLogger(loggerFunc(log.Printf))
		pclog.SetLogger(loggerFunc(log.Printf))
	}

	baseURL, salt, cleanup := resolveBackend()
	defer cleanup()

	// The portalapi client and the data-plane requests share one cookie
	// jar, the way the browser carries the portal's auth cookie.
	jar, err := cookiejar.New(nil)
	if err != nil {
		panic(err)
	}

	httpClient := &http.Client{Jar: jar}

	policyOpts := []portalcrypt.PolicyOption{}
	if opts.NoSigning {
		policyOpts = append(policyOpts, portalcrypt.WithNoSigning())
	}

	config := &portalcrypt.Config{
		APIBaseURL: baseURL,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Policy:     portalcrypt.NewPolicy(policyOpts...),
	}

	manager, err := portalcrypt.NewManager(
		config,
		portalapi.New(baseURL, portalapi.WithHTTPClient(httpClient)),
		createStateStore(),
		portalcrypt.WithMetrics(opts.Metrics),
	)
	if err != nil {
		panic(err)
	}
	defer manager.Close()

	ctx := context.Background()

	info, err := manager.Establish(ctx)
	if err != nil {
		panic(err)
	}

	log.Printf("session %s established, expires %s", info.SessionID, info.ExpiresAt.Format(time.RFC3339))

	if err := manager.BindSession(ctx); err != nil {
		log.Printf("session bind skipped: %v", err)
	}

	registry := portalcrypt.NewSchemaRegistry()
	registry.Register(schemaPatientUpdate, &portalcrypt.EncryptedFieldConfig{
		RequestFields:  patientFields,
		ResponseFields: patientFields,
		Section:        portalcrypt.SectionHealth,
	})

	middleware := portalcrypt.NewMiddleware(manager, registry, config.Policy)

	start := time.Now()

	runWorkers(ctx, middleware, httpClient, baseURL)

	if opts.Metrics {
		fmt.Fprintln(w, "Total time:", time.Since(start))
		fmt.Fprintln(w, "Secrets allocated:", securememory.AllocCounter.Count())
		PrintMetrics("Encryption", encryptTimer)
		PrintMetrics("Decryption", decryptTimer)
		PrintColoredJSON("Metrics:", metrics.DefaultRegistry)
	}

	if opts.Verbose {
		log.Printf(
			"[run complete] secrets: allocs=%d, inuse=%d",
			securememory.AllocCounter.Count(),
			securememory.InUseCounter.Count())
	}
}

// resolveBackend returns the backend base URL and the raw deployment salt,
// starting the in-process test backend when no --url was given.
func resolveBackend() (baseURL string, salt []byte, cleanup func()) {
	if opts.ServerURL != "" {
		if opts.Salt == "" {
			panic("--salt is mandatory with --url")
		}

		raw, err := base64.StdEncoding.DecodeString(opts.Salt)
		if err != nil {
			panic(err)
		}

		return opts.ServerURL, raw, func() {}
	}

	salt = make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		panic(err)
	}

	server := servertest.New(
		servertest.WithDeploymentSalt(salt),
		servertest.WithEchoSchema(schemaPatientUpdate, patientFields, portalcrypt.SectionHealth),
	)

	log.Printf("started in-process portal backend at %s", server.URL)

	return server.URL, salt, server.Close
}

// createStateStore picks the client state store from the flags: MySQL, file,
// or in-memory.
func createStateStore() portalcrypt.ClientStateStore {
	if opts.ConnectionString != "" {
		log.Printf("using SQL state store...")

		db, err := getDB(opts.ConnectionString)
		if err != nil {
			panic(err)
		}

		return persistence.NewSQLStore(db, opts.Profile)
	}

	if opts.StateDir != "" {
		log.Printf("using file state store...")

		store, err := persistence.NewFileStore(opts.StateDir)
		if err != nil {
			panic(err)
		}

		return store
	}

	log.Printf("using in-memory state store...")

	return persistence.NewMemoryStore()
}

func runWorkers(ctx context.Context, middleware *portalcrypt.Middleware, httpClient *http.Client, baseURL string) {
	start := time.Now()

	var wg sync.WaitGroup

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			if opts.Duration > 0 {
				for time.Since(start) < opts.Duration {
					roundTrip(ctx, middleware, httpClient, baseURL)
				}

				return
			}

			for n := 0; n < opts.Count; n++ {
				roundTrip(ctx, middleware, httpClient, baseURL)
			}
		}(i)
	}

	wg.Wait()
}

// roundTrip encrypts a generated patient update, sends it to the echo
// endpoint, and decrypts the response.
func roundTrip(ctx context.Context, middleware *portalcrypt.Middleware, httpClient *http.Client, baseURL string) {
	update := NewPatientUpdate()

	if opts.Results {
		PrintColoredJSON("Plaintext request:", update)
	}

	reqOpts := []portalcrypt.RequestOption{portalcrypt.WithSchema(schemaPatientUpdate)}
	if opts.Full {
		reqOpts = append(reqOpts, portalcrypt.WithFullPayload())
	}

	var (
		processed *portalcrypt.ProcessedRequest
		err       error
	)

	encryptTimer.Time(func() {
		processed, err = middleware.ProcessRequestBody(ctx, update.JSON(), reqOpts...)
	})

	if err != nil {
		panic(err)
	}

	if opts.Results {
		PrintColoredJSON("Wire request:", processed.Body)
	}

	respBody := postEcho(ctx, httpClient, baseURL, processed)

	var plain []byte

	decryptTimer.Time(func() {
		plain, err = middleware.ProcessResponseData(ctx, respBody, portalcrypt.WithResponseSchema(schemaPatientUpdate))
	})

	if err != nil {
		panic(err)
	}

	if opts.Results {
		PrintColoredJSON("Decrypted response:", plain)
	}
}

func postEcho(ctx context.Context, httpClient *http.Client, baseURL string, processed *portalcrypt.ProcessedRequest) []byte {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/echo", bytes.NewReader(processed.Body))
	if err != nil {
		panic(err)
	}

	req.Header.Set("Content-Type", "application/json")

	for name, values := range processed.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(err)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, aurora.Red(fmt.Sprintf("echo returned %d: %s", resp.StatusCode, body)))
		os.Exit(1)
	}

	return body
}
