package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSSink archives history entries to an IPFS node. Content addressing
// fits the append-only contract naturally: identical retried archivals
// deduplicate to the same CID instead of colliding.
type IPFSSink struct {
	shell *shell.Shell
	log   *slog.Logger
}

// NewIPFSSink creates an IPFS archive sink talking to the node API at
// host:port.
func NewIPFSSink(host, port string, log *slog.Logger) *IPFSSink {
	return &IPFSSink{
		shell: shell.NewShell(fmt.Sprintf("%s:%s", host, port)),
		log:   log,
	}
}

func (s *IPFSSink) Append(ctx context.Context, entry Entry) error {
	if !s.shell.IsUp() {
		return fmt.Errorf("archiving %s/%s: ipfs node unavailable", entry.Kind, entry.Key)
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	cid, err := s.shell.Add(bytes.NewReader(raw), shell.Pin(true))
	if err != nil {
		return fmt.Errorf("archiving %s/%s to ipfs: %w", entry.Kind, entry.Key, err)
	}

	s.log.Debug("archived record to ipfs", "kind", entry.Kind, "key", entry.Key, "cid", cid)
	return nil
}

func (s *IPFSSink) Name() string { return "ipfs" }
