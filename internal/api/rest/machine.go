package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/auth"
	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

type statusResponse struct {
	machine.Status
	Healthy bool `json:"healthy"`
}

// GET /api/v1/machine/status
func (s *Server) getMachineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Status:  s.rt.Controller().Status(),
		Healthy: s.rt.Healthy(),
	})
}

// POST /api/v1/machine/filling
func (s *Server) setFilling(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	gate := machine.GateDisabled
	if *req.Enabled {
		gate = machine.GateEnabled
	}
	s.rt.Controller().SetGate(gate)
	s.logger.Info("Fill gate set via API",
		zap.String("gate", gate.String()),
		zap.String("role", string(auth.CurrentRole(c))))

	c.JSON(http.StatusOK, gin.H{"gate": gate.String()})
}

// GET /api/v1/machine/flavours
func (s *Server) listFlavours(c *gin.Context) {
	st := s.rt.Controller().Status()
	c.JSON(http.StatusOK, gin.H{
		"flavours": s.rt.Controller().Flavours(),
		"selected": st.Flavour,
		"pending":  st.PendingFlavour,
	})
}

// POST /api/v1/machine/flavour
func (s *Server) selectFlavour(c *gin.Context) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	applied, err := s.rt.Controller().SelectFlavour(req.ID)
	if err != nil {
		machineError(c, "Flavour selection failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flavour":  req.ID,
		"applied":  applied,
		"deferred": !applied,
	})
}

// POST /api/v1/machine/speeds
func (s *Server) setSpeeds(c *gin.Context) {
	var req struct {
		Fast  float64 `json:"fast_speed"`
		Slow  float64 `json:"slow_speed"`
		Clean float64 `json:"clean_speed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.rt.Controller().SetSpeeds(req.Fast, req.Slow, req.Clean); err != nil {
		machineError(c, "Invalid speed", err)
		return
	}
	c.JSON(http.StatusOK, s.rt.Controller().Speeds())
}

// POST /api/v1/machine/batch
func (s *Server) setBatch(c *gin.Context) {
	var req struct {
		Batch string `json:"batch" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	s.rt.Controller().SetBatch(req.Batch)
	c.JSON(http.StatusOK, gin.H{"batch": req.Batch})
}

// POST /api/v1/machine/topup/:side/start
func (s *Server) startTopUp(c *gin.Context) {
	side := machine.Side(c.Param("side"))
	accepted, err := s.rt.Arbiter().StartTopUp(c.Request.Context(), side, machine.TriggerUI)
	s.manualResponse(c, "Top-up start failed", accepted, err)
}

// POST /api/v1/machine/topup/:side/stop
func (s *Server) stopTopUp(c *gin.Context) {
	side := machine.Side(c.Param("side"))
	accepted, err := s.rt.Arbiter().StopTopUp(c.Request.Context(), side, machine.TriggerUI)
	s.manualResponse(c, "Top-up stop failed", accepted, err)
}

// POST /api/v1/machine/prime/start
func (s *Server) startPrime(c *gin.Context) {
	accepted, err := s.rt.Arbiter().StartPrime(c.Request.Context(), machine.TriggerUI)
	s.manualResponse(c, "Prime start failed", accepted, err)
}

// POST /api/v1/machine/prime/stop
func (s *Server) stopPrime(c *gin.Context) {
	accepted, err := s.rt.Arbiter().StopPrime(c.Request.Context(), machine.TriggerUI)
	s.manualResponse(c, "Prime stop failed", accepted, err)
}

// manualResponse reports ignored requests as 200 with accepted=false; the
// panel only greys the button out.
func (s *Server) manualResponse(c *gin.Context, message string, accepted bool, err error) {
	if err != nil {
		machineError(c, message, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accepted": accepted,
		"manual":   s.rt.Arbiter().Holds(),
	})
}

// POST /api/v1/machine/cleaning/start
func (s *Server) startCleaning(c *gin.Context) {
	if err := s.rt.Cleaner().Start(c.Request.Context()); err != nil {
		machineError(c, "Cleaning start failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cleaning": true})
}

// POST /api/v1/machine/cleaning/stop
func (s *Server) stopCleaning(c *gin.Context) {
	stopped := s.rt.Cleaner().Stop()
	c.JSON(http.StatusOK, gin.H{
		"cleaning": s.rt.Cleaner().Active(),
		"stopped":  stopped,
	})
}

// GET /api/v1/machine/records?limit=20
func (s *Server) listRecords(c *gin.Context) {
	history := s.rt.History()
	if history == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse("RECORDS_503", "Record database not configured", nil))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, NewErrorResponse("RECORDS_400", "Invalid limit", c.Query("limit")))
		return
	}

	records, err := history.RecentPourRecords(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to load pour records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, NewErrorResponse("RECORDS_500", "Failed to load records", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}
