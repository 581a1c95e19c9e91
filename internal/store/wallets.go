package store

// Wallet is one transfer target: a destination address and the fixed amount
// it should receive on a payout run.
type Wallet struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// Wallets is the JSON-file-backed payout target list.
//
// Order is preserved exactly as stored; the batch transfer runner relies on
// stable input order.
type Wallets struct {
	file *jsonFile[*[]Wallet]
}

func OpenWallets(path string) (*Wallets, error) {
	f, err := openJSONFile(path, func() *[]Wallet { s := []Wallet{}; return &s })
	if err != nil {
		return nil, err
	}
	return &Wallets{file: f}, nil
}

// TransferTargets returns a copy of the payout list in stored order.
func (w *Wallets) TransferTargets() []Wallet {
	var out []Wallet
	w.file.view(func(s *[]Wallet) {
		out = append(out, (*s)...)
	})
	return out
}

// Replace swaps the whole payout list (admin upload).
func (w *Wallets) Replace(list []Wallet) {
	w.file.mutate(func(s *[]Wallet) {
		*s = append((*s)[:0], list...)
	})
}

func (w *Wallets) Len() int {
	n := 0
	w.file.view(func(s *[]Wallet) { n = len(*s) })
	return n
}

func (w *Wallets) Dirty() bool  { return w.file.dirty() }
func (w *Wallets) Flush() error { return w.file.flush() }
func (w *Wallets) Close() error { return w.file.flush() }
