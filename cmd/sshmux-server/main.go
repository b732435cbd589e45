package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshmux"
)

const sshPort = 5223

func main() {

	// --host=0.0.0.0
	hostPtr := flag.String("host", "0.0.0.0", "Address to listen for SSH connections on.")

	// --port=5223
	portPtr := flag.Int("port", sshPort, "Port to listen for SSH connections on.")

	// --log=info
	logPtr := flag.String("log", "info", "Log level: debug, info, warn, or error.")

	// --metrics=6060
	// Serve /metrics and pprof endpoints at port 6060
	metricsPtr := flag.Int("metrics", 0, "port number to serve prometheus metrics and pprof endpoints on.")

	workersPtr := flag.Int("workers", 0, "Maximum number of connections served at once (0 is unlimited).")
	keepalivePtr := flag.Duration("keepalive", 5*time.Second, "Interval between client keepalive pings (0 disables them).")
	maxPacketPtr := flag.Int("max-packet", 0, "Maximum payload size of outbound channel data messages (0 is the default).")
	shellPtr := flag.String("shell", "/bin/sh", "Shell used to run exec requests. Empty disables exec.")
	acceptEnvPtr := flag.String("accept-env", "LANG,LC_*", "Comma separated variable names or patterns clients may set.")

	// --tunnels lets clients open direct-tcpip channels from this host.
	tunnelsPtr := flag.Bool("tunnels", false, "Allow TCP tunnels to any destination reachable from this host.")

	flag.Parse()

	log.SetOutput(os.Stdout)

	logLevel, err := log.ParseLevel(*logPtr)
	if err != nil {
		log.Fatalf("An error occured parsing log level: %s", err)
	}
	log.SetLevel(logLevel)

	err = godotenv.Load("secrets.env")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("An error occured reading secrets.env: %s", err)
	}

	privateBytes, err := loadSecret("ssh_host_key")
	if err != nil {
		log.Fatal("Failed to load private key: ", err)
	}
	private, err := ssh.ParsePrivateKey(privateBytes)
	if err != nil {
		log.Fatal("Failed to parse private key: ", err)
	}

	// Public key authentication is done by comparing the public key of a
	// received connection with the entries in the authorized_keys file.
	var delegates []sshmux.AuthDelegate
	if authorizedKeysBytes, err := loadSecret("authorized_keys"); err == nil {
		keys, err := sshmux.AuthorizedKeysAuth(authorizedKeysBytes)
		if err != nil {
			log.Fatalf("Failed to load authorized_keys, err: %v", err)
		}
		delegates = append(delegates, keys)
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load authorized_keys, err: %v", err)
	}
	if password := os.Getenv("password"); password != "" {
		delegates = append(delegates, sshmux.PasswordAuth(password))
	}
	if len(delegates) == 0 {
		log.Fatalln("No authorized_keys and no password configured.")
	}

	var options []sshmux.ProtocolOption
	if *maxPacketPtr > 0 {
		options = append(options, sshmux.MaximumPacketSize(*maxPacketPtr))
	}

	var exec sshmux.ExecDelegate
	if *shellPtr != "" {
		var acceptEnv []string
		if *acceptEnvPtr != "" {
			acceptEnv = strings.Split(*acceptEnvPtr, ",")
		}
		exec = &sshmux.ShellExecDelegate{Shell: *shellPtr, AcceptEnv: acceptEnv}
	}
	var tunnels sshmux.TunnelDelegate
	if *tunnelsPtr {
		tunnels = &sshmux.DialTunnelDelegate{}
	}

	registry := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := sshmux.Host(ctx, sshmux.ServerConfig{
		Host:              *hostPtr,
		Port:              *portPtr,
		HostKeys:          []ssh.Signer{private},
		Auth:              sshmux.ChainAuth(delegates...),
		ProtocolOptions:   options,
		Workers:           *workersPtr,
		KeepAliveInterval: *keepalivePtr,
		Registerer:        registry,
		Exec:              exec,
		Tunnels:           tunnels,
	})
	if err != nil {
		log.Fatal("failed to listen for connection: ", err)
	}

	// Did we specify a metrics port?
	var srv *http.Server
	if *metricsPtr > 0 {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv = &http.Server{
			Addr:    "localhost:" + strconv.Itoa(*metricsPtr),
			Handler: requestlog.Wrap(http.DefaultServeMux),
		}
		go func() {
			log.Infof("Listening for HTTP metrics requests at %s...", srv.Addr)
			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				log.Errorf("HTTP server at %s failed: %s", srv.Addr, err)
			}
		}()
	}

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if srv != nil {
		srv.Close()
	}
	server.Close()
}

// loadSecret reads name from the base64 encoded "<name>.enc" variable, or
// from the file name when the variable is unset.
func loadSecret(name string) ([]byte, error) {
	if enc := os.Getenv(name + ".enc"); enc != "" {
		return base64.StdEncoding.DecodeString(enc)
	}
	return os.ReadFile(name)
}
