package model

import "time"

// IST is Asia/Kolkata. A fixed +05:30 zone is used when tzdata is unavailable.
var IST = loadIST()

func loadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}
