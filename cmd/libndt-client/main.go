// Command libndt-client is a simple NDT command line client.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/bassosimone/libndt"
	"github.com/bassosimone/libndt/logging"
	"github.com/bassosimone/libndt/platformx"
)

var (
	flagDownload    = flag.Bool("download", false, "Run the download sub-test")
	flagUpload      = flag.Bool("upload", false, "Run the upload sub-test")
	flagDownloadExt = flag.Bool("download-ext", false, "Run the multi-stream download sub-test")
	flagNDT7        = flag.Bool("ndt7", false, "Use the ndt7 protocol")
	flagJSON        = flag.Bool("json", false, "Use the JSON message encoding")
	flagTLS         = flag.Bool("tls", false, "Use TLS")
	flagWebSocket   = flag.Bool("websocket", false, "Use the WebSocket framing")
	flagHostname    = flag.String("hostname", "", "Server hostname; empty means discovery")
	flagPort        = flag.String("port", "", "Server port; empty means the protocol default")
	flagSOCKS5h     = flag.String("socks5h", "", "SOCKS5h proxy port on 127.0.0.1")
	flagCABundle    = flag.String("ca-bundle-path", "", "Path of the CA bundle to use")
	flagInsecure    = flag.Bool("insecure", false, "Skip TLS peer verification (insecure)")
	flagVerbose     = flag.Bool("verbose", false, "Emit debug messages")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment")
	if !*flagVerbose {
		logging.Logger.Level = log.InfoLevel
	}
	platformx.WarnIfNotFullySupported()
	settings := libndt.NewSettings()
	settings.NettestFlags = 0
	if *flagDownload {
		settings.NettestFlags |= libndt.NettestDownload
	}
	if *flagUpload {
		settings.NettestFlags |= libndt.NettestUpload
	}
	if *flagDownloadExt {
		settings.NettestFlags |= libndt.NettestDownloadExt
	}
	if settings.NettestFlags == 0 {
		settings.NettestFlags = libndt.NettestDownload
	}
	if *flagJSON {
		settings.ProtocolFlags |= libndt.ProtocolJSON
	}
	if *flagTLS {
		settings.ProtocolFlags |= libndt.ProtocolTLS
	}
	if *flagWebSocket {
		settings.ProtocolFlags |= libndt.ProtocolWebSocket
	}
	if *flagNDT7 {
		settings.ProtocolFlags |= libndt.ProtocolNDT7
	}
	settings.Hostname = *flagHostname
	settings.Port = *flagPort
	settings.SOCKS5hPort = *flagSOCKS5h
	settings.CABundlePath = *flagCABundle
	settings.InsecureNoVerify = *flagInsecure
	client := libndt.NewClient(settings)
	if err := client.Run(context.Background()); err != nil {
		log.WithError(err).Warn("test failed")
		os.Exit(1)
	}
}
