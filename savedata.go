package waengine

import (
	"encoding/json"
	"fmt"

	"github.com/Kunboruto20/borutowaileys-library/signalstore"
)

// SaveData is a JSON-serializable snapshot of a Client's credentials,
// mirroring the teacher's toxcore.SaveData/LoadSaveData pair: a portable
// export an embedder can persist anywhere (not necessarily the
// SignalKeyStore's own at-rest format) and reload into a fresh process.
type SaveData struct {
	Creds *signalstore.AuthenticationCreds `json:"creds"`
}

// Save serializes the client's current credentials to JSON.
func (c *Client) Save() ([]byte, error) {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	data, err := json.Marshal(SaveData{Creds: c.creds})
	if err != nil {
		return nil, wrapErr(ErrKindUser, "Client.Save", err)
	}
	return data, nil
}

// LoadSaveData decodes a JSON snapshot produced by Save, for passing to
// New when constructing a new Client.
func LoadSaveData(data []byte) (*signalstore.AuthenticationCreds, error) {
	var sd SaveData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("waengine: decoding save data: %w", err)
	}
	if sd.Creds == nil {
		return nil, fmt.Errorf("waengine: save data has no credentials")
	}
	return sd.Creds, nil
}
