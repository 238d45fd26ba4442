package nvmesim

import (
	"context"

	"github.com/nvmesim/nvmesim/config"
	"github.com/nvmesim/nvmesim/mem"
	"github.com/nvmesim/nvmesim/registers"
	"github.com/nvmesim/nvmesim/util"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// defaultBAR0 is where the controller register region sits unless the host
// relocates the BARs.
const defaultBAR0 = 0x8000000

const defaultQueuePairs = 16

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	hostMem := mem.NewHostMemory(c.GetUint64("host_memory.size", mem.DefaultHostMemorySize), l)

	pciRegs := registers.NewPCIExpressRegisters(c.GetUint64("pci.bar0", defaultBAR0), l)

	queuePairs := c.GetInt("queues.max_pairs", defaultQueuePairs)
	ctrlRegs := registers.NewControllerRegisters(pciRegs.BAR0(), queuePairs, l)
	l.WithField("bar0", pciRegs.BAR0()).WithField("queuePairs", queuePairs).Info("Controller registers mapped")

	ctrl := NewController(l, pciRegs, ctrlRegs, hostMem)

	var watcher *Watcher
	if !c.GetBool("main.single_threaded", false) {
		interval := c.GetDuration("watcher.change_check_interval", defaultChangeCheckInterval)
		watcher = NewWatcher(l, interval, ctrl.CheckForChanges)
	}

	err = startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.CatchHUP(ctx)

	return &Control{ctrl: ctrl, watcher: watcher, l: l, cancel: cancel}, nil
}
