package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/model"
)

var (
	ingestFile       string
	ingestSource     string
	ingestExternalID string
	ingestName       string
	ingestDesc       string
	ingestStart      string
	ingestEnd        string
	ingestAddress    string
	ingestLocation   string
	ingestURL        string
	ingestAge        string
	ingestTypes      []string
	ingestPrice      float64
	ingestConfidence float64
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest candidate events from flags or a JSON file",
	Long:  "Runs one or more candidate events through validation, geocoding, and deduplication, then prints the outcomes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		candidates, err := collectCandidates()
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return eris.New("nothing to ingest: pass --file or --source and --name")
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		type result struct {
			Name    string        `json:"name"`
			Outcome model.Outcome `json:"outcome"`
			Error   string        `json:"error,omitempty"`
		}
		results := make([]result, 0, len(candidates))

		for _, cand := range candidates {
			outcome, err := env.Coordinator.Ingest(ctx, cand)
			res := result{Name: cand.Name, Outcome: outcome}
			if err != nil && outcome.Status != model.StatusRejected {
				zap.L().Error("ingest failed",
					zap.String("name", cand.Name),
					zap.Error(err),
				)
				res.Error = err.Error()
			}
			results = append(results, res)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

// collectCandidates builds the candidate list from --file or from the
// per-field flags.
func collectCandidates() ([]model.CandidateEvent, error) {
	if ingestFile != "" {
		data, err := os.ReadFile(ingestFile)
		if err != nil {
			return nil, eris.Wrap(err, "read candidate file")
		}
		var candidates []model.CandidateEvent
		if err := json.Unmarshal(data, &candidates); err != nil {
			// Allow a single object as well as an array.
			var single model.CandidateEvent
			if err2 := json.Unmarshal(data, &single); err2 != nil {
				return nil, eris.Wrap(err, "parse candidate file")
			}
			candidates = []model.CandidateEvent{single}
		}
		return candidates, nil
	}

	if ingestSource == "" || ingestName == "" {
		return nil, nil
	}

	cand := model.CandidateEvent{
		Source:      ingestSource,
		Name:        ingestName,
		Description: ingestDesc,
		Confidence:  ingestConfidence,
		TypeLabels:  ingestTypes,
	}
	if ingestStart != "" {
		t, err := time.Parse(time.RFC3339, ingestStart)
		if err != nil {
			return nil, eris.Wrap(err, "parse --start")
		}
		cand.StartDate = &t
	}
	if ingestEnd != "" {
		t, err := time.Parse(time.RFC3339, ingestEnd)
		if err != nil {
			return nil, eris.Wrap(err, "parse --end")
		}
		cand.EndDate = &t
	}
	if ingestExternalID != "" {
		cand.ExternalID = &ingestExternalID
	}
	if ingestAddress != "" {
		cand.Address = &ingestAddress
	}
	if ingestLocation != "" {
		cand.LocationName = &ingestLocation
	}
	if ingestURL != "" {
		cand.URL = &ingestURL
	}
	if ingestAge != "" {
		cand.AgeRestrictions = &ingestAge
	}
	if ingestPrice >= 0 {
		cand.Price = &ingestPrice
	}
	return []model.CandidateEvent{cand}, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "JSON file with a candidate event or an array of them")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "registered source name")
	ingestCmd.Flags().StringVar(&ingestExternalID, "external-id", "", "source-scoped external ID")
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "event name")
	ingestCmd.Flags().StringVar(&ingestDesc, "description", "", "event description")
	ingestCmd.Flags().StringVar(&ingestStart, "start", "", "start date, RFC 3339")
	ingestCmd.Flags().StringVar(&ingestEnd, "end", "", "end date, RFC 3339")
	ingestCmd.Flags().StringVar(&ingestAddress, "address", "", "street address")
	ingestCmd.Flags().StringVar(&ingestLocation, "location", "", "venue name")
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "listing URL")
	ingestCmd.Flags().StringVar(&ingestAge, "age", "", "age restrictions")
	ingestCmd.Flags().StringArrayVar(&ingestTypes, "type", nil, "event type label (repeatable)")
	ingestCmd.Flags().Float64Var(&ingestPrice, "price", -1, "ticket price")
	ingestCmd.Flags().Float64Var(&ingestConfidence, "confidence", 0.9, "source confidence, 0 to 1")
	rootCmd.AddCommand(ingestCmd)
}
