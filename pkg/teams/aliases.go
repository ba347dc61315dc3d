package teams

import "github.com/edgefeed/edgefeed/pkg/feed"

// Alias tables map normalized abbreviations and alternate names to the
// canonical nickname (the last word of the full team name). Coverage is the
// major-league sets plus the soccer clubs the venues list; college teams
// mostly resolve through nickname and containment instead.

var nbaAliases = map[string]string{
	"atl": "hawks", "bos": "celtics", "bkn": "nets", "cha": "hornets",
	"chi": "bulls", "cle": "cavaliers", "dal": "mavericks", "den": "nuggets",
	"det": "pistons", "gsw": "warriors", "gs": "warriors", "hou": "rockets",
	"ind": "pacers", "lac": "clippers", "lal": "lakers", "mem": "grizzlies",
	"mia": "heat", "mil": "bucks", "min": "timberwolves", "nop": "pelicans",
	"no": "pelicans", "nyk": "knicks", "ny": "knicks", "okc": "thunder",
	"orl": "magic", "phi": "76ers", "phx": "suns", "por": "blazers",
	"sac": "kings", "sas": "spurs", "sa": "spurs", "tor": "raptors",
	"uta": "jazz", "was": "wizards", "wsh": "wizards",
	"trail blazers": "blazers", "sixers": "76ers",
}

var nflAliases = map[string]string{
	"ari": "cardinals", "atl": "falcons", "bal": "ravens", "buf": "bills",
	"car": "panthers", "chi": "bears", "cin": "bengals", "cle": "browns",
	"dal": "cowboys", "den": "broncos", "det": "lions", "gb": "packers",
	"hou": "texans", "ind": "colts", "jax": "jaguars", "jac": "jaguars",
	"kc": "chiefs", "lac": "chargers", "lar": "rams", "lv": "raiders",
	"mia": "dolphins", "min": "vikings", "ne": "patriots", "no": "saints",
	"nyg": "giants", "nyj": "jets", "phi": "eagles", "pit": "steelers",
	"sea": "seahawks", "sf": "49ers", "tb": "buccaneers", "ten": "titans",
	"was": "commanders", "wsh": "commanders", "niners": "49ers",
	"bucs": "buccaneers",
}

var nhlAliases = map[string]string{
	"ana": "ducks", "bos": "bruins", "buf": "sabres", "car": "hurricanes",
	"cbj": "blue jackets", "cgy": "flames", "chi": "blackhawks",
	"col": "avalanche", "dal": "stars", "det": "red wings", "edm": "oilers",
	"fla": "panthers", "la": "kings", "lak": "kings", "min": "wild",
	"mtl": "canadiens", "njd": "devils", "nj": "devils", "nsh": "predators",
	"nyi": "islanders", "nyr": "rangers", "ott": "senators", "phi": "flyers",
	"pit": "penguins", "sea": "kraken", "sj": "sharks", "sjs": "sharks",
	"stl": "blues", "tb": "lightning", "tbl": "lightning",
	"tor": "maple leafs", "uta": "mammoth", "van": "canucks",
	"vgk": "golden knights", "wpg": "jets", "wsh": "capitals",
	"leafs": "maple leafs", "avs": "avalanche",
}

var mlbAliases = map[string]string{
	"ari": "diamondbacks", "atl": "braves", "bal": "orioles", "bos": "red sox",
	"chc": "cubs", "cws": "white sox", "chw": "white sox", "cin": "reds",
	"cle": "guardians", "col": "rockies", "det": "tigers", "hou": "astros",
	"kc": "royals", "laa": "angels", "lad": "dodgers", "mia": "marlins",
	"mil": "brewers", "min": "twins", "nym": "mets", "nyy": "yankees",
	"oak": "athletics", "phi": "phillies", "pit": "pirates", "sd": "padres",
	"sea": "mariners", "sf": "giants", "stl": "cardinals", "tb": "rays",
	"tex": "rangers", "tor": "blue jays", "was": "nationals",
	"wsh": "nationals", "dbacks": "diamondbacks", "jays": "blue jays",
}

var soccerAliases = map[string]string{
	"ars": "arsenal", "che": "chelsea", "liv": "liverpool",
	"mci": "city", "mun": "united", "tot": "tottenham",
	"new": "newcastle", "whu": "west ham", "avl": "villa",
	"eve": "everton", "ful": "fulham", "bha": "brighton",
	"wol": "wolves", "cry": "palace", "bre": "brentford",
	"bou": "bournemouth", "nfo": "forest",
	"man city": "city", "man united": "united", "man utd": "united",
	"spurs": "tottenham", "crystal palace": "palace",
	"aston villa": "villa", "nottingham forest": "forest",
}

func buildAliasTables() map[feed.Sport]map[string]string {
	return map[feed.Sport]map[string]string{
		feed.SportNBA:    nbaAliases,
		feed.SportNCAAB:  nbaAliases, // shared abbreviation style
		feed.SportNFL:    nflAliases,
		feed.SportNCAAF:  nflAliases,
		feed.SportNHL:    nhlAliases,
		feed.SportMLB:    mlbAliases,
		feed.SportSoccer: soccerAliases,
		feed.SportMLS:    soccerAliases,
	}
}
