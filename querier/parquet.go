package querier

import (
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/table"
)

// HandleParquet serves the file of one partition: /partitions/parquet?id=N
func (s *Server) HandleParquet(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	r = newReqContext(r)

	raw := r.URL.Query().Get("id")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		sendErrorResponse(w, fmt.Sprintf("Invalid partition id %q", raw), http.StatusBadRequest)
		return
	}
	id := table.PartitionID(n)

	var file string
	for _, e := range s.Warehouse.Partitions() {
		if e.ID == id {
			file = e.Path
			break
		}
	}
	if file == "" || s.Fs == nil {
		sendErrorResponse(w, fmt.Sprintf("Partition %s not found", id), http.StatusNotFound)
		return
	}

	f, err := s.Fs.Open(file)
	if err != nil {
		// the partition may have been rewritten since the lookup
		core.Warnf(r.Context(), "partition %s: %v", id, err)
		sendErrorResponse(w, fmt.Sprintf("Partition %s not found", id), http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(file)))
	http.ServeContent(w, r, path.Base(file), info.ModTime(), f)
}
