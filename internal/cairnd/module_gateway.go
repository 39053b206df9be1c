package cairnd

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/quic-go/quic-go/http3"

	"cairn/internal/cairn"
)

// GatewayModule serves blobs and address resolutions over HTTP/3. It is
// the remote end that other daemons' resolvers query when a shareable
// address isn't known locally.
type GatewayModule struct {
	config   *GatewayModuleConfig
	server   *Server
	fsServer *http3.Server
}

type GatewayModuleConfig struct {
	ListenAddr string `json:"listenAddr"`
	CertFile   string `json:"certFile"`
	KeyFile    string `json:"keyFile"`
}

func NewGatewayModule(server *Server, config *GatewayModuleConfig) (*GatewayModule, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("gateway module requires listenAddr")
	}
	if config.CertFile == "" || config.KeyFile == "" {
		return nil, fmt.Errorf("gateway module requires certFile and keyFile")
	}

	return &GatewayModule{
		config: config,
		server: server,
	}, nil
}

func (*GatewayModule) GetModuleName() string {
	return "gateway"
}

func (gm *GatewayModule) GetConfig() any {
	return gm.config
}

func (*GatewayModule) GetDependencies() []*Dependency {
	return []*Dependency{}
}

func (gm *GatewayModule) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/cairn/blob/", gm.handleBlob)
	mux.HandleFunc("/cairn/resolve/", gm.handleResolve)

	gm.fsServer = &http3.Server{
		Addr:    gm.config.ListenAddr,
		Handler: mux,
	}

	certFile := gm.serverFile(gm.config.CertFile)
	keyFile := gm.serverFile(gm.config.KeyFile)

	go func() {
		log.Printf("Starting HTTP/3 gateway on %s", gm.config.ListenAddr)
		err := gm.fsServer.ListenAndServeTLS(certFile, keyFile)
		if err != nil {
			log.Printf("Gateway server stopped: %v", err)
		}
	}()

	return nil
}

func (gm *GatewayModule) Stop() error {
	if gm.fsServer != nil {
		return gm.fsServer.Close()
	}
	return nil
}

func (gm *GatewayModule) serverFile(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return gm.server.Config.ServerPath(path)
}

func (gm *GatewayModule) handleBlob(w http.ResponseWriter, r *http.Request) {
	addrStr := strings.TrimPrefix(r.URL.Path, "/cairn/blob/")

	addr, err := cairn.ParseBlobAddr(addrStr)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad address: %v", err), http.StatusBadRequest)
		return
	}

	cachedFile, err := gm.server.BlobStore.ReadFile(addr)
	if err != nil {
		http.Error(w, "blob not found", http.StatusNotFound)
		return
	}
	defer gm.server.BlobStore.Release(cachedFile)

	http.ServeFile(w, r, cachedFile.Path)
}

func (gm *GatewayModule) handleResolve(w http.ResponseWriter, r *http.Request) {
	escaped := strings.TrimPrefix(r.URL.Path, "/cairn/resolve/")
	address, err := url.PathUnescape(escaped)
	if err != nil {
		http.Error(w, "bad address", http.StatusBadRequest)
		return
	}

	key, exists := gm.server.Resolver.Lookup(address)
	if !exists {
		http.Error(w, "address not known", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, string(key))
}
