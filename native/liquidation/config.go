package liquidation

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"liquidationqueue/crypto"
)

// Config captures the genesis configuration of the liquidation module.
type Config struct {
	Owner         string        `toml:"Owner"`
	LendingSystem string        `toml:"LendingSystem"`
	StableDenom   string        `toml:"StableDenom"`
	WaitingPeriod uint64        `toml:"WaitingPeriod"`
	BidFee        string        `toml:"BidFee"`
	LiquidatorFee string        `toml:"LiquidatorFee"`
	FeeCollector  string        `toml:"FeeCollector"`
	Queues        []QueueConfig `toml:"queue"`
}

// QueueConfig declares a collateral queue created at genesis.
type QueueConfig struct {
	Asset         string  `toml:"Asset"`
	MaxPremium    uint64  `toml:"MaxPremium"`
	BidThreshold  string  `toml:"BidThreshold"`
	WaitingPeriod *uint64 `toml:"WaitingPeriod"`
}

// Genesis is the decoded initial module state.
type Genesis struct {
	Params Params
	Queues []GenesisQueue
}

// GenesisQueue is a queue to register at genesis.
type GenesisQueue struct {
	Asset         string
	MaxPremium    uint64
	BidThreshold  uint256.Int
	WaitingPeriod *uint64
}

// LoadConfig reads a TOML module configuration from disk.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("liquidation config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("liquidation config: unknown field %s", undecoded[0])
	}
	return cfg, nil
}

// Genesis converts the configuration into validated genesis state.
func (c *Config) Genesis() (*Genesis, error) {
	if c == nil {
		return nil, fmt.Errorf("liquidation config: nil config")
	}
	params := Params{
		StableDenom:   strings.TrimSpace(c.StableDenom),
		WaitingPeriod: c.WaitingPeriod,
	}
	var err error
	if params.Owner, err = crypto.DecodeAddress(c.Owner); err != nil {
		return nil, fmt.Errorf("liquidation config: Owner: %w", err)
	}
	if params.LendingSystem, err = crypto.DecodeAddress(c.LendingSystem); err != nil {
		return nil, fmt.Errorf("liquidation config: LendingSystem: %w", err)
	}
	if strings.TrimSpace(c.FeeCollector) != "" {
		if params.FeeCollector, err = crypto.DecodeAddress(c.FeeCollector); err != nil {
			return nil, fmt.Errorf("liquidation config: FeeCollector: %w", err)
		}
	}
	if params.BidFee, err = parseOptionalDecimal(c.BidFee); err != nil {
		return nil, fmt.Errorf("liquidation config: BidFee: %w", err)
	}
	if params.LiquidatorFee, err = parseOptionalDecimal(c.LiquidatorFee); err != nil {
		return nil, fmt.Errorf("liquidation config: LiquidatorFee: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("liquidation config: %w", err)
	}
	genesis := &Genesis{Params: params}
	for i, qc := range c.Queues {
		gq := GenesisQueue{Asset: qc.Asset, MaxPremium: qc.MaxPremium, WaitingPeriod: qc.WaitingPeriod}
		if strings.TrimSpace(qc.BidThreshold) != "" {
			threshold, err := ParseAmount(qc.BidThreshold)
			if err != nil {
				return nil, fmt.Errorf("liquidation config: queue[%d].BidThreshold: %w", i, err)
			}
			gq.BidThreshold.Set(threshold)
		}
		genesis.Queues = append(genesis.Queues, gq)
	}
	return genesis, nil
}

func parseOptionalDecimal(raw string) (Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return DecimalZero(), nil
	}
	return ParseDecimal(raw)
}
