package main

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"pixtrack/internal/tracking"
	"pixtrack/utils"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	tokens   *utils.Manager
	gatherer prometheus.Gatherer
	tracking *tracking.TrackingDeps
}

func initializeApp(errorLog, infoLog *log.Logger, tokens *utils.Manager, gatherer prometheus.Gatherer) *application {
	return &application{
		errorLog: errorLog,
		infoLog:  infoLog,
		tokens:   tokens,
		gatherer: gatherer,
	}
}

// Infof and Errorf let the application act as the module logger.
func (app *application) Infof(format string, args ...interface{}) {
	app.infoLog.Output(2, fmt.Sprintf(format, args...))
}

func (app *application) Errorf(format string, args ...interface{}) {
	app.errorLog.Output(2, fmt.Sprintf(format, args...))
}

func openDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}
