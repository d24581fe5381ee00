package querier

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

func JsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	// Process results to Handle special types for JSON
	processedResults := ProcessResultsForJSON(data)

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(QueryResponse{
		Results: processedResults,
	})
}

// NDJsonFormatter writes one JSON object per line
func NDJsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	processedResults := ProcessResultsForJSON(data)

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, result := range processedResults {
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return nil
}

// ProcessResultsForJSON prepares results for JSON serialization
func ProcessResultsForJSON(results []map[string]interface{}) []map[string]interface{} {
	processedResults := make([]map[string]interface{}, len(results))

	for i, row := range results {
		processedRow := make(map[string]interface{}, len(row))

		for key, value := range row {
			switch v := value.(type) {
			case nil:
				processedRow[key] = nil
			case int64:
				// Convert int64 to string for JSON
				processedRow[key] = strconv.FormatInt(v, 10)
			case float64:
				if math.IsNaN(v) || math.IsInf(v, 0) {
					processedRow[key] = strconv.FormatFloat(v, 'g', -1, 64)
				} else {
					processedRow[key] = v
				}
			case time.Time:
				processedRow[key] = v.Format(time.RFC3339Nano)
			case []byte:
				processedRow[key] = string(v)
			default:
				processedRow[key] = v
			}
		}

		processedResults[i] = processedRow
	}

	return processedResults
}
