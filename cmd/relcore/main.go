// Command relcore wires the storage/concurrency core's pieces together
// behind a loaded Config, the way the teacher repo's main.go drives a
// BufferPool directly — generalized here to the full disk manager,
// buffer pool, lock manager and catalog stack this module adds.
package main

import (
	"flag"
	"fmt"
	"time"

	"relcore/btree"
	"relcore/buffer"
	"relcore/catalog"
	"relcore/common"
	"relcore/concurrency"
	"relcore/disk"
)

func main() {
	configPath := flag.String("config", "", "path to a relcore config file (optional)")
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	common.PanicIfErr(err)

	dm, err := disk.NewFileManager(cfg.DBFile)
	common.PanicIfErr(err)
	defer dm.Close()

	pool := buffer.NewBufferPool(cfg.BufferPoolSize, cfg.ReplacerK, dm)
	lm := concurrency.NewLockManager(time.Duration(cfg.DeadlockDetectionIntervalMillis) * time.Millisecond)
	defer lm.Stop()

	tree, err := btree.NewBTree("default", pool, btree.IntKeySerializer{}, cfg.BTreeLeafMaxSize, cfg.BTreeInternalMaxSize)
	common.PanicIfErr(err)

	cat := catalog.NewCatalog()
	cat.RegisterTable("default", 1)

	empty, err := tree.IsEmpty()
	common.PanicIfErr(err)

	fmt.Printf("relcore: opened %s (pool=%d frames, replacer-k=%d, index empty=%v)\n",
		cfg.DBFile, cfg.BufferPoolSize, cfg.ReplacerK, empty)

	pool.FlushAllPages()
}
