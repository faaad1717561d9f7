package console

import (
	"flag"

	"github.com/zachfi/zkit/pkg/util"
)

type Config struct {
	AllRecords bool `yaml:"all-records,omitempty"` // log every record, not just changes
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.AllRecords, util.PrefixConfig(prefix, "all-records"), false,
		"Log every received record instead of only station or radiotext changes")
}
