package wallet

// Status enumerates wallet lifecycle states.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusLocked        Status = "locked"
	StatusReady         Status = "ready"
)

// AccountType enumerates supported account kinds.
type AccountType string

const (
	AccountHD         AccountType = "hd"
	AccountImported   AccountType = "imported"
	AccountFundraiser AccountType = "fundraiser"
	AccountManaged    AccountType = "managed"
	AccountWatchOnly  AccountType = "watch_only"
	AccountLedger     AccountType = "ledger"
)

// Account is one wallet account. Secret material never appears here;
// signable accounts reference their key through the vault.
type Account struct {
	ID             string      `json:"id"`
	Type           AccountType `json:"type"`
	Name           string      `json:"name"`
	Address        string      `json:"address"`
	PublicKey      string      `json:"publicKey,omitempty"`
	DerivationPath string      `json:"derivationPath,omitempty"`
	HDIndex        int         `json:"hdIndex"`
	ChainID        string      `json:"chainId,omitempty"`
	Owner          string      `json:"owner,omitempty"`
	CreatedAt      int64       `json:"createdAt"`
}

// Signable reports whether the account has a secret key in the vault.
func (a Account) Signable() bool {
	switch a.Type {
	case AccountHD, AccountImported, AccountFundraiser:
		return true
	default:
		return false
	}
}

// Network describes one chain endpoint the wallet can talk to.
type Network struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	RPCBaseURL string `json:"rpcBaseUrl"`
}

// Settings is the user preference document; partial updates merge by key.
type Settings map[string]any

// State is the process-wide wallet state snapshot broadcast to channels.
type State struct {
	Status   Status    `json:"status"`
	Accounts []Account `json:"accounts"`
	Networks []Network `json:"networks"`
	Settings Settings  `json:"settings"`
}

// DefaultNetworks returns the built-in network catalogue.
func DefaultNetworks() []Network {
	return []Network{
		{ID: "mainnet", Name: "Mainnet", RPCBaseURL: "https://mainnet-tezos.giganode.io"},
		{ID: "ghostnet", Name: "Ghostnet", RPCBaseURL: "https://rpc.ghostnet.teztnets.com"},
		{ID: "sandbox", Name: "Sandbox", RPCBaseURL: "http://localhost:8732"},
	}
}

func (s State) clone() State {
	out := State{
		Status:   s.Status,
		Accounts: append([]Account(nil), s.Accounts...),
		Networks: append([]Network(nil), s.Networks...),
		Settings: make(Settings, len(s.Settings)),
	}
	for k, v := range s.Settings {
		out.Settings[k] = v
	}
	return out
}
