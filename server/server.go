package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/db"
)

const dateLayout = "2006-01-02"

// Start :
func Start(logToFile bool, logDir string, driver db.DB) error {
	e := newEcho(driver)

	// setup access logger
	if logToFile {
		logPath := filepath.Join(logDir, "access.log")
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return xerrors.Errorf("Failed to open a log file: %s", err)
		}
		defer f.Close()
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Output: f,
		}))
	} else {
		e.Use(middleware.Logger())
	}

	bindURL := fmt.Sprintf("%s:%s", viper.GetString("bind"), viper.GetString("port"))
	log15.Info("Listening...", "URL", bindURL)

	return e.Start(bindURL)
}

func newEcho(driver db.DB) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Debug = viper.GetBool("debug")

	e.Use(middleware.Recover())

	// Routes
	e.GET("/health", health())
	e.GET("/cves", searchVulnerabilities(driver))
	e.GET("/cves/:cve", getVulnerability(driver))
	return e
}

func health() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, "")
	}
}

func getVulnerability(driver db.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		cve := c.Param("cve")
		log15.Debug("Params", "CVE", cve)

		v, err := driver.GetVulnerability(c.Request().Context(), cve)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s is not found", cve))
			}
			log15.Error("Failed to get vulnerability.", "err", err)
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, v)
	}
}

// GET /cves?showAll=&minScore=&baseSeverity=&search=a,b&vendors=x,y&startDate=&endDate=&limit=
func searchVulnerabilities(driver db.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter, err := parseFilter(c)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		log15.Debug("Params", "filter", filter)

		vs, err := driver.SearchVulnerabilities(c.Request().Context(), filter)
		if err != nil {
			log15.Error("Failed to search vulnerabilities.", "err", err)
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, vs)
	}
}

func parseFilter(c echo.Context) (db.SearchFilter, error) {
	f := db.SearchFilter{
		BaseSeverity: strings.ToUpper(c.QueryParam("baseSeverity")),
		Search:       splitParam(c.QueryParam("search")),
		Vendors:      splitParam(c.QueryParam("vendors")),
	}

	if s := c.QueryParam("showAll"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, xerrors.Errorf("invalid showAll: %s", s)
		}
		f.ShowAll = b
	}
	if s := c.QueryParam("minScore"); s != "" {
		score, err := strconv.ParseFloat(s, 64)
		if err != nil || score < 0 || 10 < score {
			return f, xerrors.Errorf("invalid minScore: %s", s)
		}
		f.MinScore = &score
	}
	if s := c.QueryParam("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return f, xerrors.Errorf("invalid limit: %s", s)
		}
		f.Limit = limit
	}
	for name, dst := range map[string]**time.Time{"startDate": &f.StartDate, "endDate": &f.EndDate} {
		s := c.QueryParam(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return f, xerrors.Errorf("invalid %s: %s", name, s)
		}
		if name == "endDate" {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		*dst = &t
	}
	return f, nil
}

func splitParam(s string) []string {
	ss := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ss = append(ss, p)
		}
	}
	return ss
}
