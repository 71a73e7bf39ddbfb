// meshnetd is the meshnet device runtime daemon: it owns one WireGuard
// adapter, applies a MeshConfig (supplied via a static file, the
// optional control-plane directory, or both), and keeps the adapter's
// live peer set consolidated against it.
//
// Grounded on the teacher's cmd/chimney/main.go: flag-parsed options,
// best-effort OTEL setup that never aborts startup, and a
// signal.Notify-driven shutdown that tears subsystems down in order
// before exiting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quietmesh/meshnet/pkg/control"
	"github.com/quietmesh/meshnet/pkg/directory"
	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/relay"
	"github.com/quietmesh/meshnet/pkg/rendezvous"
	"github.com/quietmesh/meshnet/pkg/runtime"
	"github.com/quietmesh/meshnet/pkg/socketpool"
	"github.com/quietmesh/meshnet/pkg/telemetry"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
	"github.com/quietmesh/meshnet/pkg/wgdevice"
)

var version = "dev"

func main() {
	var (
		privateKeyFlag = flag.String("private-key", os.Getenv("MESHNET_PRIVATE_KEY"), "base64 WireGuard private key (default: $MESHNET_PRIVATE_KEY)")
		adapter        = flag.String("adapter", "mock", "adapter kind: \"kernel\" (real UAPI socket) or \"mock\" (in-process, for evaluation)")
		tunName        = flag.String("tun", "meshnet0", "tunnel interface name")
		uapiSocket     = flag.String("uapi-socket", "/var/run/wireguard/meshnet0.sock", "UAPI socket path when -adapter=kernel")
		fwmark         = flag.Uint("fwmark", 0, "fwmark applied to sockets opened by the socket pool")
		physIface      = flag.String("physical-iface", "", "physical interface the socket pool binds outbound sockets to (empty: any)")
		relayServers   = flag.String("relay-servers", "", "comma-separated host:port list of relay servers, highest weight first")
		configFile     = flag.String("config", "", "path to a JSON MeshConfig applied at startup")
		directoryAddr  = flag.String("directory-redis", "", "Redis/Dragonfly address for the optional control-plane peer directory (empty: disabled)")
		directoryNet   = flag.String("directory-network", "", "network name identifying this mesh's roster in the directory")
		rendezvousNet  = flag.String("rendezvous-network", "", "network name used to derive the DHT rendezvous infohash (empty: disabled)")
		controlSocket  = flag.String("control-socket", "/var/run/meshnet/meshnetd.sock", "Unix socket meshnetctl status queries connect to (empty: disabled)")
		logLevel       = flag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("meshnetd " + version)
		return
	}

	meshlog.Configure(*logLevel)

	otelShutdown := func(context.Context) {}
	if fn, err := telemetry.Init(context.Background(), "meshnetd", version); err != nil {
		log.Printf("WARNING: telemetry setup failed: %v — continuing without it", err)
	} else {
		otelShutdown = fn
	}

	privateKey, err := loadPrivateKey(*privateKeyFlag)
	if err != nil {
		log.Fatalf("meshnetd: %v", err)
	}

	driver, err := newDriver(*adapter, *uapiSocket)
	if err != nil {
		log.Fatalf("meshnetd: %v", err)
	}

	pool := socketpool.New(*tunName, *physIface, uint32(*fwmark), nil)
	relayClient := relay.New()
	if *relayServers != "" {
		relayClient.SetCandidates(parseRelayServers(*relayServers))
	}

	device, err := runtime.New(runtime.Config{
		DeviceConfig: meshtypes.DeviceConfig{
			PrivateKey:  privateKey,
			AdapterKind: *adapter,
			Fwmark:      uint32(*fwmark),
			TunName:     *tunName,
		},
		Driver: driver,
		Pool:   pool,
		Relay:  relayClient,
		Clock:  time.Now,
	})
	if err != nil {
		log.Fatalf("meshnetd: building device: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := device.Start(ctx); err != nil {
		log.Fatalf("meshnetd: starting device: %v", err)
	}

	if *configFile != "" {
		cfg, err := loadMeshConfig(*configFile)
		if err != nil {
			log.Fatalf("meshnetd: loading -config: %v", err)
		}
		if err := device.SetMeshnetConfig(ctx, cfg); err != nil {
			log.Fatalf("meshnetd: applying -config: %v", err)
		}
	}

	var dirClient *directory.Client
	if *directoryAddr != "" {
		dirClient, err = directory.New(directory.Config{RedisAddr: *directoryAddr, NetworkName: *directoryNet})
		if err != nil {
			log.Fatalf("meshnetd: connecting to directory: %v", err)
		}
		go func() {
			if err := dirClient.Run(ctx, device.SetMeshnetConfig); err != nil && ctx.Err() == nil {
				log.Printf("meshnetd: directory stopped: %v", err)
			}
		}()
	}

	var rendezvousDisc *rendezvous.Discovery
	if *rendezvousNet != "" {
		rendezvousDisc, err = rendezvous.New(*rendezvousNet)
		if err != nil {
			log.Printf("WARNING: rendezvous discovery disabled: %v", err)
		} else {
			rendezvousDisc.Start(ctx)
			go rendezvousDisc.ApplyTo(ctx, device.SetStunServer)
		}
	}

	var controlSrv *control.Server
	if *controlSocket != "" {
		controlSrv, err = control.NewServer(*controlSocket, func() (control.StatusResult, error) {
			return statusToWire(device)
		})
		if err != nil {
			log.Printf("WARNING: control socket disabled: %v", err)
		} else {
			go controlSrv.Serve()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("meshnetd started (adapter=%s tun=%s)", *adapter, *tunName)
	<-sigCh
	log.Println("shutdown: stopping device...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := device.Stop(stopCtx); err != nil {
		log.Printf("shutdown: device stop error: %v", err)
	}
	if dirClient != nil {
		dirClient.Close()
	}
	if rendezvousDisc != nil {
		rendezvousDisc.Close()
	}
	if controlSrv != nil {
		controlSrv.Close()
	}
	otelShutdown(stopCtx)
	log.Println("shutdown: complete")
}

func loadPrivateKey(raw string) (wgcrypto.SecretKey, error) {
	if raw == "" {
		return wgcrypto.SecretKey{}, fmt.Errorf("no private key supplied (-private-key or $MESHNET_PRIVATE_KEY)")
	}
	sk, err := wgcrypto.ParseSecretKey(raw)
	if err != nil {
		return wgcrypto.SecretKey{}, fmt.Errorf("parsing private key: %w", err)
	}
	return sk, nil
}

func newDriver(adapter, uapiSocket string) (wgdevice.Driver, error) {
	switch adapter {
	case "kernel":
		return wgdevice.NewDevice(uapiSocket), nil
	case "mock":
		return wgdevice.NewMock(time.Now), nil
	default:
		return nil, fmt.Errorf("unknown -adapter %q (want \"kernel\" or \"mock\")", adapter)
	}
}

func parseRelayServers(spec string) []meshtypes.DerpServer {
	parts := strings.Split(spec, ",")
	servers := make([]meshtypes.DerpServer, 0, len(parts))
	for i, addr := range parts {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		servers = append(servers, meshtypes.DerpServer{
			RegionName: fmt.Sprintf("static-%d", i),
			Address:    addr,
			Weight:     len(parts) - i,
		})
	}
	return servers
}

// statusToWire translates a runtime.Status snapshot to control's
// wire-friendly shape.
func statusToWire(device *runtime.Device) (control.StatusResult, error) {
	st, err := device.Status()
	if err != nil {
		return control.StatusResult{}, err
	}
	result := control.StatusResult{
		PublicKey: st.PublicKey.String(),
		Interface: st.Interface,
	}
	if st.ExitNode != nil {
		result.ExitNode = st.ExitNode.PublicKey.String()
	}
	for _, p := range st.Peers {
		addrs := make([]string, 0, len(p.IPAddresses))
		for _, ip := range p.IPAddresses {
			addrs = append(addrs, ip.String())
		}
		result.Peers = append(result.Peers, control.PeerStatus{
			PublicKey: p.PublicKey.String(),
			Hostname:  p.Hostname,
			Addresses: addrs,
			IsExit:    p.IsExit,
		})
	}
	return result, nil
}

func loadMeshConfig(path string) (meshtypes.MeshConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return meshtypes.MeshConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg meshtypes.MeshConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return meshtypes.MeshConfig{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return cfg, nil
}
