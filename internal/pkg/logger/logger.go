package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with screening-specific event helpers
type Logger struct {
	*zap.Logger
	serviceName string
}

// ContextKey for request context values
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	UserIDKey    ContextKey = "user_id"
	TraceIDKey   ContextKey = "trace_id"
)

// New creates a new logger instance
func New(serviceName, environment string, debug bool) (*Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	// Add service metadata
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
		"env":     environment,
		"pid":     os.Getpid(),
	}

	zapLogger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger:      zapLogger,
		serviceName: serviceName,
	}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), serviceName: "nop"}
}

// Named returns a named sub-logger
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		Logger:      l.Logger.Named(name),
		serviceName: l.serviceName,
	}
}

// WithContext returns a logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := []zap.Field{}

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}

	return &Logger{
		Logger:      l.With(fields...),
		serviceName: l.serviceName,
	}
}

// WithTransaction returns a logger with transaction context
func (l *Logger) WithTransaction(txID, sender string) *Logger {
	return &Logger{
		Logger: l.With(
			zap.String("transaction_id", txID),
			zap.String("sender", sender),
		),
		serviceName: l.serviceName,
	}
}

// WithConversation returns a logger with agent conversation context
func (l *Logger) WithConversation(conversationID, txID string) *Logger {
	return &Logger{
		Logger: l.With(
			zap.String("conversation_id", conversationID),
			zap.String("transaction_id", txID),
		),
		serviceName: l.serviceName,
	}
}

// ScreeningStarted logs the start of a screening operation
func (l *Logger) ScreeningStarted(txID, sender string) {
	l.Info("screening started",
		zap.String("transaction_id", txID),
		zap.String("sender", sender),
	)
}

// ScreeningCompleted logs the completion of a screening operation
func (l *Logger) ScreeningCompleted(txID string, band string, riskScore int, alertID string, durationMs int64) {
	l.Info("screening completed",
		zap.String("transaction_id", txID),
		zap.String("risk_band", band),
		zap.Int("risk_score", riskScore),
		zap.String("alert_id", alertID),
		zap.Int64("duration_ms", durationMs),
	)
}

// RuleEvaluationFailed logs a rule that could not be evaluated
func (l *Logger) RuleEvaluationFailed(ruleID, txID, reason string) {
	l.Warn("rule evaluation failed",
		zap.String("rule_id", ruleID),
		zap.String("transaction_id", txID),
		zap.String("reason", reason),
	)
}

// RuleSetLoaded logs a published rule snapshot
func (l *Logger) RuleSetLoaded(version int64, rules, rejected int) {
	l.Info("rule set loaded",
		zap.Int64("version", version),
		zap.Int("rules", rules),
		zap.Int("rejected", rejected),
	)
}

// PatternDetected logs a detected pattern
func (l *Logger) PatternDetected(participant, typology string, confidence float64, evidence int) {
	l.Warn("suspicious pattern detected",
		zap.String("participant", participant),
		zap.String("typology", typology),
		zap.Float64("confidence", confidence),
		zap.Int("evidence", evidence),
	)
}

// AgentDegraded logs an agent whose result was replaced by a degraded assessment
func (l *Logger) AgentDegraded(role, conversationID string, err error) {
	l.Warn("agent degraded",
		zap.String("role", role),
		zap.String("conversation_id", conversationID),
		zap.Error(err),
	)
}

// RetrievalFallback logs a fallback from vector to keyword retrieval
func (l *Logger) RetrievalFallback(reason string, err error) {
	l.Info("retrieval falling back to keyword search",
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// AlertCreated logs alert creation
func (l *Logger) AlertCreated(alertID, customerID string, triggers int, riskScore int) {
	l.Warn("alert created",
		zap.String("alert_id", alertID),
		zap.String("customer_id", customerID),
		zap.Int("triggers", triggers),
		zap.Int("risk_score", riskScore),
	)
}

// AlertTransitioned logs an alert status change
func (l *Logger) AlertTransitioned(alertID, from, to, actor string) {
	l.Info("alert transitioned",
		zap.String("alert_id", alertID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("actor", actor),
	)
}

// CaseClosed logs case closure
func (l *Logger) CaseClosed(caseID string, alerts int) {
	l.Info("case closed",
		zap.String("case_id", caseID),
		zap.Int("alerts", alerts),
	)
}

// LatencyWarning logs when a check exceeds expected latency
func (l *Logger) LatencyWarning(checkType string, durationMs, thresholdMs int64) {
	l.Warn("latency threshold exceeded",
		zap.String("check_type", checkType),
		zap.Int64("duration_ms", durationMs),
		zap.Int64("threshold_ms", thresholdMs),
	)
}

// Helper field functions

// ErrorField creates an error field
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

// StringField creates a string field
func StringField(key, value string) zap.Field {
	return zap.String(key, value)
}

// IntField creates an int field
func IntField(key string, value int) zap.Field {
	return zap.Int(key, value)
}
