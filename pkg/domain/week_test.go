package domain

import "testing"

func TestYearWeekOf(t *testing.T) {
	cases := []struct {
		date string
		want string
	}{
		{"2024-06-01", "2024-22"}, // Saturday
		{"2024-01-01", "2024-01"}, // Monday, week 1
		{"2023-01-01", "2022-52"}, // Sunday belonging to the previous ISO year
		{"2024-12-30", "2025-01"}, // Monday belonging to the next ISO year
	}
	for _, tc := range cases {
		got, err := YearWeekOf(tc.date)
		if err != nil {
			t.Fatalf("YearWeekOf(%s): %v", tc.date, err)
		}
		if got != tc.want {
			t.Fatalf("YearWeekOf(%s) = %s, want %s", tc.date, got, tc.want)
		}
	}
}

func TestYearWeekOfRejectsBadDate(t *testing.T) {
	if _, err := YearWeekOf("06/01/2024"); err == nil {
		t.Fatal("expected error for non-ISO date")
	}
}

func TestWeekDates(t *testing.T) {
	days, err := WeekDates("2024-06-01")
	if err != nil {
		t.Fatalf("WeekDates: %v", err)
	}
	if len(days) != 7 {
		t.Fatalf("expected 7 days, got %d", len(days))
	}
	if days[0] != "2024-05-27" {
		t.Fatalf("expected week to start on Monday 2024-05-27, got %s", days[0])
	}
	if days[6] != "2024-06-02" {
		t.Fatalf("expected week to end on Sunday 2024-06-02, got %s", days[6])
	}
	// The queried date itself must be part of its own week.
	found := false
	for _, d := range days {
		if d == "2024-06-01" {
			found = true
		}
	}
	if !found {
		t.Fatal("queried date missing from its week")
	}
}
