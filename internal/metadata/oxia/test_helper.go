package oxia

import (
	"io"
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// TestServer is an Oxia server for tests: embedded standalone, or an
// external one named by OXIA_SERVICE_ADDRESS.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
}

func (s *TestServer) Addr() string {
	return s.addr
}

func (s *TestServer) Close() error {
	var err error
	if s.standalone != nil {
		err = s.standalone.Close()
	}
	return err
}

// ExternalAddrEnv names an external Oxia server to test against.
const ExternalAddrEnv = "OXIA_SERVICE_ADDRESS"

// StartTestServer returns a running server that is closed on test cleanup.
func StartTestServer(t testing.TB) *TestServer {
	t.Helper()

	if addr := os.Getenv(ExternalAddrEnv); addr != "" {
		t.Logf("using external Oxia server at %s", addr)
		return &TestServer{addr: addr}
	}

	dir := t.TempDir()
	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(dir))
	if err != nil {
		t.Fatalf("failed to start Oxia standalone server: %v", err)
	}

	server := &TestServer{
		standalone: standalone,
		addr:       standalone.ServiceAddr(),
	}

	t.Cleanup(func() { _ = server.Close() })
	return server
}

var _ io.Closer = (*TestServer)(nil)
