package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/patentsim/transformer/internal/dataset"
	"github.com/patentsim/transformer/internal/device"
	"github.com/patentsim/transformer/internal/report"
	"github.com/patentsim/transformer/internal/runlog"
	"github.com/patentsim/transformer/internal/tokenizer"
	"github.com/patentsim/transformer/internal/trainer"
	"github.com/patentsim/transformer/pkg/classifier"
	"github.com/patentsim/transformer/pkg/core"
)

func main() {
	mode := "train"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		mode, args = args[0], args[1:]
	}

	switch mode {
	case "train":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := runTrain(ctx, args)
		stop()
		if err != nil {
			log.Printf("error=%q", err)
			os.Exit(1)
		}
	case "help":
		printHelp(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", mode)
		printHelp(os.Stderr)
		os.Exit(2)
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Patent phrase similarity classifier")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  patentsim [train] [flags]   train on a CSV of id,anchor,target,context,score")
	fmt.Fprintln(w, "  patentsim help              show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags of train:")
	fs, _ := trainFlags()
	fs.SetOutput(w)
	fs.PrintDefaults()
}

type cliFlags struct {
	configPath string
	overrides  core.Overrides
}

func trainFlags() (*flag.FlagSet, *cliFlags) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "JSON hyperparameter file")
	fs.StringVar(&f.overrides.TrainPath, "train", "", "training CSV")
	fs.StringVar(&f.overrides.ValidationPath, "validation", "", "validation CSV")
	fs.IntVar(&f.overrides.Epochs, "epochs", 0, "number of epochs")
	fs.IntVar(&f.overrides.BatchSize, "batch-size", 0, "records per batch")
	fs.Float64Var(&f.overrides.LearningRate, "lr", 0, "learning rate")
	fs.Int64Var(&f.overrides.Seed, "seed", 0, "seed for initialisation, dropout and shuffling")
	fs.StringVar(&f.overrides.Tokenizer, "tokenizer", "", "word, bpe or hf")
	fs.StringVar(&f.overrides.TokenizerFile, "tokenizer-file", "", "tokenizer.json for -tokenizer hf")
	fs.StringVar(&f.overrides.TokenCache, "token-cache", "", "bbolt file caching encoded records")
	fs.StringVar(&f.overrides.RunLedger, "ledger", "", "sqlite file recording the run")
	fs.IntVar(&f.overrides.Workers, "workers", 0, "parallel attention workers (0 = physical cores)")
	fs.BoolVar(&f.overrides.Shuffle, "shuffle", false, "shuffle training records every epoch")
	return fs, f
}

func loadHyperParameters(args []string) (*core.HyperParameters, error) {
	fs, f := trainFlags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	hp := core.NewDefaultHyperParameters()
	if f.configPath != "" {
		var err error
		if hp, err = core.LoadHyperParameters(f.configPath); err != nil {
			return nil, err
		}
	}
	hp.ApplyOverrides(f.overrides)
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return hp, nil
}

// buildTokenizer constructs the run's single tokenizer. Word and BPE
// vocabularies are fitted on the training texts only.
func buildTokenizer(hp *core.HyperParameters, train []dataset.PatentRecord) (tokenizer.Tokenizer, func() error, error) {
	noop := func() error { return nil }
	var (
		tok     tokenizer.Tokenizer
		closers []func() error
	)
	switch hp.Tokenizer {
	case "word":
		tok = tokenizer.NewWordTokenizer(dataset.Texts(train), tokenizer.WordOptions{})
	case "bpe":
		bpe, err := tokenizer.NewBPETokenizer(hp.BPEEncoding, dataset.Texts(train))
		if err != nil {
			return nil, noop, err
		}
		tok = bpe
	case "hf":
		h, closeHF, err := openHF(hp.TokenizerFile)
		if err != nil {
			return nil, noop, err
		}
		tok = h
		closers = append(closers, closeHF)
	default:
		return nil, noop, fmt.Errorf("unknown tokenizer %q", hp.Tokenizer)
	}

	if hp.TokenCache != "" {
		cached, err := tokenizer.NewCachedTokenizer(hp.TokenCache, tok)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, noop, err
		}
		tok = cached
		closers = append([]func() error{func() error {
			hits, misses := cached.Stats()
			log.Printf("token_cache=%s hits=%d misses=%d", hp.TokenCache, hits, misses)
			return cached.Close()
		}}, closers...)
	}
	return tok, func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}, nil
}

func runTrain(ctx context.Context, args []string) error {
	hp, err := loadHyperParameters(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	dev := device.Detect(hp.Workers)
	log.Printf("device=%q", dev.String())

	trainRecords, err := dataset.LoadCSV(hp.TrainPath)
	if err != nil {
		return err
	}
	var valRecords []dataset.PatentRecord
	if hp.ValidationPath != "" {
		if valRecords, err = dataset.LoadCSV(hp.ValidationPath); err != nil {
			return err
		}
	}

	tok, closeTokenizer, err := buildTokenizer(hp, trainRecords)
	if err != nil {
		return fmt.Errorf("build tokenizer: %w", err)
	}
	defer closeTokenizer()
	log.Printf("tokenizer=%s vocab_size=%d", tok.Name(), tok.VocabSize())

	train, err := dataset.New(trainRecords, tok, hp.NumClasses)
	if err != nil {
		return fmt.Errorf("%s: %w", hp.TrainPath, err)
	}
	maxSeqLen := train.MaxSeqLen
	var validation *dataset.Dataset
	if len(valRecords) > 0 {
		if validation, err = dataset.New(valRecords, tok, hp.NumClasses); err != nil {
			return fmt.Errorf("%s: %w", hp.ValidationPath, err)
		}
		maxSeqLen = max(maxSeqLen, validation.MaxSeqLen)
	}
	log.Printf("train_records=%d max_seq_len=%d class_counts=%v", train.Len(), train.MaxSeqLen, train.ClassCounts())

	rng := rand.New(rand.NewSource(hp.Seed))
	model, err := classifier.NewModel(hp.CreateModelConfig(tok.VocabSize(), maxSeqLen), rng)
	if err != nil {
		return err
	}
	fmt.Println(report.RenderDevice(dev, model.NumParameters()))

	opts := trainer.Options{Workers: dev.Workers, Rand: rng}
	var ledger *runlog.Ledger
	if hp.RunLedger != "" {
		if ledger, err = runlog.Open(hp.RunLedger); err != nil {
			return err
		}
		defer ledger.Close()
		runID, err := ledger.StartRun(ctx, hp)
		if err != nil {
			return err
		}
		log.Printf("run_id=%s ledger=%s", runID, hp.RunLedger)
		opts.Recorder = ledger
	}

	tr, err := trainer.New(model, hp.CreateTrainingConfig(), opts)
	if err != nil {
		return err
	}
	summaries, runErr := tr.Run(ctx, train, validation)
	fmt.Println(report.RenderEpochs(summaries))

	if ledger != nil {
		status := "done"
		switch {
		case errors.Is(runErr, context.Canceled):
			status = "canceled"
		case runErr != nil:
			status = "failed"
		}
		// the run context may already be canceled
		if err := ledger.FinishRun(context.Background(), status); err != nil {
			log.Printf("ledger_error=%q", err)
		}
	}
	return runErr
}
