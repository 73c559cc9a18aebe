package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/nova-backend/internal/codebuf"
	"github.com/tangzhangming/nova-backend/internal/output"
	"github.com/tangzhangming/nova-backend/internal/pipeline"
	"github.com/tangzhangming/nova-backend/internal/stats"
	"github.com/tangzhangming/nova-backend/internal/target/amd64"
	"github.com/tangzhangming/nova-backend/internal/target/sparc"
)

// minimumFreeSpace 代码缓存为运行时桩保留的空间
const minimumFreeSpace = 500 * 1024

var (
	targetName = flag.String("target", "amd64", "Target machine (amd64, sparc)")
	configPath = flag.String("config", "", "Backend config file (TOML)")
	modelPath  = flag.String("model", "", "Pipeline model file replacing the built-in model of the same name")
	showAsm    = flag.Bool("asm", false, "Print assembly listing")
	showJSON   = flag.Bool("json", false, "Dump result tables as JSON")
	showStats  = flag.Bool("stats", false, "Print scheduling statistics")
	repeat     = flag.Int("n", 1, "Compile each sample n times")
	workers    = flag.Int("workers", runtime.NumCPU(), "Concurrent compile workers")
	cacheSize  = flag.Int("cache", 48<<20, "Code cache size in bytes")
	verbose    = flag.Bool("v", false, "Verbose logging with scheduling trace")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	log := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
			os.Exit(1)
		}
		log = l
	}
	defer log.Sync()

	conf := output.DefaultConfig()
	if *configPath != "" {
		c, err := output.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		conf = *c
	}
	conf.PrintAssembly = conf.PrintAssembly || *showAsm
	conf.TraceOutput = conf.TraceOutput || *verbose

	tg, samples, err := selectTarget(*targetName, *modelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if flag.NArg() > 0 {
		samples, err = pick(samples, flag.Args())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	cache := codebuf.NewCodeCache(*cacheSize, minimumFreeSpace)
	acc := stats.NewAccumulator()
	results, err := compileAll(tg, samples, conf, cache, acc, log)

	for _, s := range samples {
		res := results[s.name]
		if res == nil {
			continue
		}
		fmt.Printf("%s: insts=%d stubs=%d consts=%d relocs=%d safepoints=%d\n",
			s.method.Name, res.InstsSize, res.StubsSize, res.ConstsSize, len(res.Relocs), res.Debug.Len())
		if *showAsm {
			fmt.Print(res.Listing)
		}
		if *showJSON {
			if err := res.WriteJSON(os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
	}

	if *showStats {
		fmt.Println()
		acc.Report(os.Stdout, tg.Model().BranchHasDelaySlot)
	}

	if err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", e)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Nova Backend Scheduler and Emitter v0.1.0")
	fmt.Println()
	fmt.Println("Usage: nova [options] [sample...]")
	fmt.Println()
	fmt.Println("Samples: loop, call, switch (amd64 only)")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

// selectTarget 创建目标机；-model 指定的模型按名字覆盖内置模型
func selectTarget(name, modelFile string) (output.Target, []sample, error) {
	models := pipeline.NewRegistry()

	amd, err := amd64.New()
	if err != nil {
		return nil, nil, err
	}
	sp, err := sparc.New()
	if err != nil {
		return nil, nil, err
	}
	for _, m := range []*pipeline.Model{amd.Model(), sp.Model()} {
		if err := models.Register(m); err != nil {
			return nil, nil, err
		}
	}
	if modelFile != "" {
		m, err := pipeline.LoadModel(modelFile)
		if err != nil {
			return nil, nil, err
		}
		if err := models.Register(m); err != nil {
			return nil, nil, err
		}
	}

	m, ok := models.Lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("unknown target %q (known: %v)", name, models.Names())
	}
	switch name {
	case "amd64":
		tg := amd64.NewWithModel(m)
		return tg, amd64Samples(tg), nil
	case "sparc":
		tg := sparc.NewWithModel(m)
		return tg, sparcSamples(tg), nil
	}
	return nil, nil, fmt.Errorf("model %q has no instruction encodings", name)
}

// pick 按名字选出样例
func pick(all []sample, names []string) ([]sample, error) {
	byName := make(map[string]sample, len(all))
	for _, s := range all {
		byName[s.name] = s
	}
	var out []sample
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown sample %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

type job struct {
	s     sample
	first bool
}

// compileAll 用 workers 个协程把每个样例编译 repeat 次
// 所有编译共享代码缓存和统计；每个样例只保留第一次的结果
func compileAll(tg output.Target, samples []sample, conf output.Config,
	cache *codebuf.CodeCache, acc *stats.Accumulator, log *zap.Logger) (map[string]*output.Result, error) {
	jobs := make(chan job)
	results := make(map[string]*output.Result, len(samples))
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)

	n := *workers
	if n < 1 {
		n = 1
	}
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if cache.CompilationDisabled() {
					continue
				}
				g, ra := j.s.build()
				c := output.New(output.Params{
					Name:   j.s.method.Name,
					Method: j.s.method,
					CFG:    g,
					RA:     ra,
					Target: tg,
					Config: conf,
					Cache:  cache,
					Log:    log.With(zap.String("sample", j.s.name)),
					Stats:  acc,
				})
				res, err := c.Output()

				mu.Lock()
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", j.s.name, err))
				} else if j.first {
					results[j.s.name] = res
				}
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < *repeat; i++ {
		for _, s := range samples {
			jobs <- job{s: s, first: i == 0}
		}
	}
	close(jobs)
	wg.Wait()
	return results, errs
}
