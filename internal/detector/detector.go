// Package detector classifies each chat message for depressive language,
// records the result and feeds positive results into the user's summary.
package detector

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/oracle"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

// Classifier is the oracle call the detector depends on.
type Classifier interface {
	DetectDepression(ctx context.Context, text string) (oracle.Detection, error)
}

// Result is the outcome of analyzing one message.
type Result struct {
	DetectionID int64
	Detected    bool
	Confidence  float64
	RiskLevel   string
	Keywords    []string
	// OracleErr is set when the classifier failed and the conservative
	// negative result was recorded instead.
	OracleErr error
}

// Detector analyzes single messages.
type Detector struct {
	db         *database.DB
	classifier Classifier
	agg        *summary.Aggregator
	log        *logger.Logger
}

// New creates a Detector.
func New(db *database.DB, classifier Classifier, agg *summary.Aggregator, log *logger.Logger) *Detector {
	return &Detector{
		db:         db,
		classifier: classifier,
		agg:        agg,
		log:        log.With("component", "detector"),
	}
}

// conservative is recorded when the classifier cannot give an answer.
var conservative = oracle.Detection{IsDepressive: false, Confidence: 0, RiskLevel: "low"}

// Analyze classifies text and always records a detection row. A classifier
// failure is not returned; it is logged and recorded as a negative result.
// The returned error covers persistence only.
func (d *Detector) Analyze(ctx context.Context, userID, messageID int64, text string) (Result, error) {
	judgment, err := d.classifier.DetectDepression(ctx, text)
	if err != nil {
		d.log.Warn("depression detection failed, recording negative result",
			"user_id", userID, "message_id", messageID, "error", err)
		judgment = conservative
	}

	row := &database.DepressionDetection{
		UserID:          userID,
		MessageID:       messageID,
		IsDepressive:    judgment.IsDepressive,
		ConfidenceScore: judgment.Confidence,
		RiskLevel:       judgment.RiskLevel,
		Keywords:        judgment.Keywords,
	}

	var update database.SummaryUpdate
	if judgment.IsDepressive {
		update = d.agg.DetectionUpdate(judgment.RiskLevel)
	}
	id, perr := d.db.InsertDetection(ctx, row, update)
	if perr != nil {
		return Result{}, fmt.Errorf("recording detection for message %d: %w", messageID, perr)
	}

	if judgment.IsDepressive {
		d.log.Info("depressive language detected",
			"user_id", userID, "message_id", messageID,
			"confidence", judgment.Confidence, "risk_level", judgment.RiskLevel)
	}

	return Result{
		DetectionID: id,
		Detected:    judgment.IsDepressive,
		Confidence:  judgment.Confidence,
		RiskLevel:   judgment.RiskLevel,
		Keywords:    judgment.Keywords,
		OracleErr:   err,
	}, nil
}

// History returns the user's detections, newest first.
func (d *Detector) History(ctx context.Context, userID int64, limit int, onlyPositive bool) ([]database.DepressionDetection, error) {
	out, err := d.db.GetDetections(ctx, userID, limit, onlyPositive)
	if err != nil {
		return nil, fmt.Errorf("loading detections: %w", err)
	}
	return out, nil
}
